package ocppj

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/lorenzodonini/ocpp-go/ocpp"
	core16 "github.com/lorenzodonini/ocpp-go/ocpp1.6/core"
	firmware16 "github.com/lorenzodonini/ocpp-go/ocpp1.6/firmware"
	localauth16 "github.com/lorenzodonini/ocpp-go/ocpp1.6/localauth"
	remotetrigger16 "github.com/lorenzodonini/ocpp-go/ocpp1.6/remotetrigger"
	reservation16 "github.com/lorenzodonini/ocpp-go/ocpp1.6/reservation"
	smartcharging16 "github.com/lorenzodonini/ocpp-go/ocpp1.6/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/authorization"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/availability"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/data"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/diagnostics"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/display"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/firmware"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/iso15118"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/localauth"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/meter"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/provisioning"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/remotecontrol"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/reservation"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/security"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/smartcharging"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/tariffcost"
	"github.com/lorenzodonini/ocpp-go/ocpp2.0.1/transactions"
	ocppgo "github.com/lorenzodonini/ocpp-go/ocppj"
)

// Direction selects the request or the response schema of an action.
type Direction int

const (
	Request Direction = iota
	Response
)

// ErrUnknownAction is returned for actions no registered profile declares.
var ErrUnknownAction = errors.New("unknown action")

// SchemaValidator checks a payload against the schema of (action, direction).
type SchemaValidator interface {
	Validate(protocol, action string, direction Direction, payload json.RawMessage) error
}

// ProfileValidator validates payloads with the message types and struct
// constraints of the ocpp-go feature profiles.
type ProfileValidator struct {
	profiles map[string][]*ocpp.Profile
}

// NewProfileValidator registers the OCPP 1.6 and 2.0.1 profiles.
func NewProfileValidator() *ProfileValidator {
	return &ProfileValidator{
		profiles: map[string][]*ocpp.Profile{
			ProtocolV16: {
				core16.Profile,
				firmware16.Profile,
				localauth16.Profile,
				remotetrigger16.Profile,
				reservation16.Profile,
				smartcharging16.Profile,
			},
			ProtocolV201: {
				authorization.Profile,
				availability.Profile,
				data.Profile,
				diagnostics.Profile,
				display.Profile,
				firmware.Profile,
				iso15118.Profile,
				localauth.Profile,
				meter.Profile,
				provisioning.Profile,
				remotecontrol.Profile,
				reservation.Profile,
				security.Profile,
				smartcharging.Profile,
				tariffcost.Profile,
				transactions.Profile,
			},
		},
	}
}

func (v *ProfileValidator) feature(protocol, action string) ocpp.Feature {
	for _, profile := range v.profiles[protocol] {
		if feature := profile.GetFeature(action); feature != nil {
			return feature
		}
	}
	return nil
}

// Supports reports whether action is known for protocol.
func (v *ProfileValidator) Supports(protocol, action string) bool {
	return v.feature(protocol, action) != nil
}

// Validate decodes payload into the action's message type and runs its
// struct constraints. Failures are returned as *Error carrying the field
// problems in Details.
func (v *ProfileValidator) Validate(protocol, action string, direction Direction, payload json.RawMessage) error {
	feature := v.feature(protocol, action)
	if feature == nil {
		return fmt.Errorf("%w: %s (%s)", ErrUnknownAction, action, protocol)
	}
	var messageType reflect.Type
	if direction == Request {
		messageType = feature.GetRequestType()
	} else {
		messageType = feature.GetResponseType()
	}

	message := reflect.New(messageType).Interface()
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, message); err != nil {
			return NewError(FormatViolation, "Invalid payload", "").WithDetails(map[string]interface{}{
				"errors": []string{err.Error()},
			})
		}
	}
	if err := ocppgo.Validate.Struct(message); err != nil {
		return NewError(FormatViolation, "Invalid payload", "").WithDetails(map[string]interface{}{
			"errors": validationMessages(err),
		})
	}
	return nil
}

// validationMessages splits the joined validator output into one entry per field.
func validationMessages(err error) []string {
	var messages []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			messages = append(messages, line)
		}
	}
	return messages
}
