package protocol

import (
	"encoding/json"
	"errors"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Decode unmarshals data into v and validates its shape.
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return domain.NewError(domain.CodeBadRequest, "bad_payload", err)
	}
	if err := validate.Struct(v); err != nil {
		var verr validator.ValidationErrors
		if errors.As(err, &verr) && len(verr) > 0 {
			return domain.NewError(domain.CodeBadRequest, "invalid "+verr[0].Field(), err)
		}
		return domain.NewError(domain.CodeBadRequest, "bad_payload", err)
	}
	return nil
}

// ParseEnvelope decodes the outer frame.
func ParseEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, domain.NewError(domain.CodeBadRequest, "bad json", err)
	}
	if env.Type == "" {
		return env, domain.NewError(domain.CodeBadRequest, "missing type", nil)
	}
	return env, nil
}

func NewRequest(id string, t MessageType, payload any) ([]byte, error) {
	env := Envelope{Type: t, ID: id}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}

func NewResponse(id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: TypeResponse, ID: id, Data: data})
}

// NewErrorResponse carries the wire message of err plus its taxonomy code.
func NewErrorResponse(id string, err error) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:  TypeResponse,
		ID:    id,
		Error: domain.MessageOf(err),
		Code:  domain.CodeOf(err),
	})
}

func NewEvent(ev Event) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: ev.EventType(), Data: data})
}

// Err rebuilds the tagged error of an error response, nil otherwise.
func (e Envelope) Err() error {
	if e.Error == "" {
		return nil
	}
	code := e.Code
	if code == "" {
		code = domain.CodeInfrastructure
	}
	return domain.NewError(code, e.Error, nil)
}
