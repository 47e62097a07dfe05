package livesession

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/npezzotti/go-liveline/internal/types"
)

type MockMediaProvider struct {
	mock.Mock
}

func (m *MockMediaProvider) Mint(sessionId, participantId, role string, ttl time.Duration) (types.Credential, error) {
	args := m.Called(sessionId, participantId, role, ttl)
	return args.Get(0).(types.Credential), args.Error(1)
}

// StaticMediaProvider mints predictable credentials locally. Default
// provider for development environments without a media backend.
type StaticMediaProvider struct{}

func (StaticMediaProvider) Mint(sessionId, participantId, role string, ttl time.Duration) (types.Credential, error) {
	return types.Credential{
		Token:         sessionId + ":" + participantId + ":" + role,
		SessionId:     sessionId,
		ParticipantId: participantId,
		Role:          role,
		ExpiresAt:     time.Now().UTC().Add(ttl),
	}, nil
}
