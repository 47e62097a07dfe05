package notify

import (
	"log"

	"github.com/stretchr/testify/mock"

	"github.com/npezzotti/go-liveline/internal/types"
)

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Deliver(recipient int, event types.NotificationEvent) error {
	args := m.Called(recipient, event)
	return args.Error(0)
}

// LogGateway records deliveries to the log. Default gateway for
// environments without a push/email backend.
type LogGateway struct {
	Log *log.Logger
}

func (g *LogGateway) Deliver(recipient int, event types.NotificationEvent) error {
	g.Log.Printf("push to principal %d: %s %s", recipient, event.Kind, event.SubjectRef)
	return nil
}
