// Package protocol implements the line-delimited JSON Stratum dialect the
// bridge speaks to Kaspa ASICs (see spec §6).
package protocol

import (
	"encoding/json"
)

// Stratum error codes (spec §6).
const (
	ErrOther             = 20
	ErrJobNotFound       = 21
	ErrDuplicateShare    = 22
	ErrLowDifficulty     = 23
	ErrUnauthorizedError = 24
	ErrNotSubscribed     = 25

	// JSON-RPC transport-level errors, used only for malformed frames.
	ErrParse          = -32700
	ErrMethodNotFound = -32601
	ErrInvalidParams  = -32602
)

// Request is a client->bridge JSON-RPC-style call. Notifications the
// bridge sends in the other direction use Notification instead; id is
// omitted there.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Response answers a Request by id.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result"`
	Error  interface{} `json:"error"`
}

// Notification is a bridge->client message with no id.
type Notification struct {
	ID     interface{} `json:"id,omitempty"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// SubmitParams is the payload of mining.submit:
// [worker, job_id_hex, extranonce_client_hex_or_empty, ntime_hex_or_empty, nonce_hex]
type SubmitParams struct {
	Worker            string
	JobIDHex          string
	ExtranonceClient  string
	NTimeHex          string
	NonceHex          string
}

// StratumError carries a Stratum error code alongside a message, ready to
// serialize as the three-element error array the protocol expects.
type StratumError struct {
	Code    int
	Message string
}

func (e *StratumError) Error() string { return e.Message }

// NewError builds a StratumError for the given code/message.
func NewError(code int, message string) *StratumError {
	return &StratumError{Code: code, Message: message}
}

// ToJSON renders the error in Stratum's [code, message, null] shape.
func (e *StratumError) ToJSON() []interface{} {
	return []interface{}{e.Code, e.Message, nil}
}

var errInvalidParams = NewError(ErrInvalidParams, "invalid parameters")

// ParseSubscribeAgent extracts the user-agent string from mining.subscribe
// params, the only field the bridge cares about for family detection.
func ParseSubscribeAgent(data json.RawMessage) string {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil || len(params) == 0 {
		return ""
	}
	agent, _ := params[0].(string)
	return agent
}

// ParseAuthorizeParams parses mining.authorize's [worker, pass] params.
func ParseAuthorizeParams(data json.RawMessage) (worker, pass string, err error) {
	var params []interface{}
	if jsonErr := json.Unmarshal(data, &params); jsonErr != nil || len(params) < 1 {
		return "", "", errInvalidParams
	}
	w, ok := params[0].(string)
	if !ok || w == "" {
		return "", "", errInvalidParams
	}
	if len(params) > 1 {
		pass, _ = params[1].(string)
	}
	return w, pass, nil
}

// ParseSubmitParams parses mining.submit's
// [worker, job_id_hex, extranonce_client, ntime, nonce] params.
func ParseSubmitParams(data json.RawMessage) (*SubmitParams, error) {
	var params []interface{}
	if err := json.Unmarshal(data, &params); err != nil {
		return nil, errInvalidParams
	}
	if len(params) < 5 {
		return nil, errInvalidParams
	}

	str := func(i int) string {
		s, _ := params[i].(string)
		return s
	}

	return &SubmitParams{
		Worker:           str(0),
		JobIDHex:         str(1),
		ExtranonceClient: str(2),
		NTimeHex:         str(3),
		NonceHex:         str(4),
	}, nil
}
