package command

import (
	"strings"

	"github.com/port-labs/ocean-sub007/core"
)

const (
	TypeEnqueueEvent = "ocean.command.event.enqueue"
	TypeResync       = "ocean.command.resync"
)

// EnqueueEventMessage submits an inbound webhook request as if it had
// arrived over HTTP.
type EnqueueEventMessage struct {
	Request core.InboundRequest
}

func (EnqueueEventMessage) Type() string { return TypeEnqueueEvent }

func (m EnqueueEventMessage) Validate() error {
	if strings.TrimSpace(m.Request.Path) == "" {
		return commandValidationError("path", "path is required")
	}
	if _, err := core.NormalizePath(m.Request.Path); err != nil {
		return commandWrapValidation(err, "command: invalid webhook path")
	}
	return nil
}

// ResyncMessage starts a full resync. An empty Kinds list resyncs every
// kind with a registered source.
type ResyncMessage struct {
	Kinds  []string
	Reason string
}

func (ResyncMessage) Type() string { return TypeResync }

func (m ResyncMessage) Validate() error {
	for _, kind := range m.Kinds {
		if strings.TrimSpace(kind) == "" {
			return commandValidationError("kinds", "kinds must not contain blank entries")
		}
	}
	return nil
}
