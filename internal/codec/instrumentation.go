package codec

import (
	"github.com/vincentbai/clarity-agent/internal/models"
)

// InstrumentationType identifies what the agent is reporting about itself.
type InstrumentationType int

const (
	InstrumentTeardown InstrumentationType = iota
	InstrumentOversizedEvent
	InstrumentMissingFeature
	InstrumentDuplicated
	InstrumentActivateError
	InstrumentSetPageInfo
	InstrumentTrigger
	InstrumentUploadError
)

// Instrumentation is a self-report of the capture agent. Args are raw tokens
// whose meaning depends on Type; use the constructors below to build them.
type Instrumentation struct {
	Type InstrumentationType `json:"type"`
	Args models.Tokens       `json:"args,omitempty"`
}

func (i Instrumentation) Tokens() models.Tokens {
	return append(models.Tokens{float64(i.Type)}, i.Args...)
}

func Teardown() Instrumentation {
	return Instrumentation{Type: InstrumentTeardown}
}

// Oversized replaces a state whose serialised length exceeded the event limit.
func Oversized(stateLength int, kind models.Kind, event, action string) Instrumentation {
	return Instrumentation{
		Type: InstrumentOversizedEvent,
		Args: models.Tokens{float64(stateLength), float64(kind), event, action},
	}
}

// OversizedInfo reads back the arguments of an Oversized record.
func (i Instrumentation) OversizedInfo() (stateLength int, kind models.Kind, event, action string, ok bool) {
	if i.Type != InstrumentOversizedEvent || len(i.Args) < 4 {
		return 0, 0, "", "", false
	}
	length, okLength := models.Number(i.Args[0])
	k, okKind := models.Number(i.Args[1])
	event, okEvent := models.String(i.Args[2])
	action, okAction := models.String(i.Args[3])
	if !okLength || !okKind || !okEvent || !okAction {
		return 0, 0, "", "", false
	}
	return int(length), models.Kind(k), event, action, true
}

func MissingFeature(features []string) Instrumentation {
	args := make(models.Tokens, 0, len(features))
	for _, f := range features {
		args = append(args, f)
	}
	return Instrumentation{Type: InstrumentMissingFeature, Args: args}
}

// Duplicated records the page id of the instance already active on the document.
func Duplicated(currentPageID string) Instrumentation {
	return Instrumentation{Type: InstrumentDuplicated, Args: models.Tokens{currentPageID}}
}

func ActivateError(message string) Instrumentation {
	return Instrumentation{Type: InstrumentActivateError, Args: models.Tokens{message}}
}

func SetPageInfo(state, userID, pageID string) Instrumentation {
	return Instrumentation{Type: InstrumentSetPageInfo, Args: models.Tokens{state, userID, pageID}}
}

func Trigger(key string) Instrumentation {
	return Instrumentation{Type: InstrumentTrigger, Args: models.Tokens{key}}
}

func UploadError(status int, message string) Instrumentation {
	return Instrumentation{Type: InstrumentUploadError, Args: models.Tokens{float64(status), message}}
}
