package feed

import (
	"encoding/json"
	"fmt"
)

// RequestKind is the control-frame tr_type.
type RequestKind string

const (
	RequestSubscribe   RequestKind = "1"
	RequestUnsubscribe RequestKind = "2"
)

// pingPongID is the tr_id of the provider's application-level keep-alive,
// which must be echoed back verbatim.
const pingPongID = "PINGPONG"

type controlRequest struct {
	Header controlHeader `json:"header"`
	Body   controlBody   `json:"body"`
}

type controlHeader struct {
	ApprovalKey string      `json:"approval_key"`
	CustType    string      `json:"custtype"`
	TrType      RequestKind `json:"tr_type"`
	ContentType string      `json:"content-type"`
}

type controlBody struct {
	Input controlInput `json:"input"`
}

type controlInput struct {
	TrID  MessageKind `json:"tr_id"`
	TrKey string      `json:"tr_key"`
}

// EncodeControl builds the JSON control frame for one subscription key.
func EncodeControl(token, custType string, req RequestKind, key SubscriptionKey) ([]byte, error) {
	if custType == "" {
		custType = "P"
	}
	b, err := json.Marshal(controlRequest{
		Header: controlHeader{
			ApprovalKey: token,
			CustType:    custType,
			TrType:      req,
			ContentType: "utf-8",
		},
		Body: controlBody{Input: controlInput{TrID: key.Kind, TrKey: key.Instrument}},
	})
	if err != nil {
		return nil, fmt.Errorf("feed: encode control frame: %w", err)
	}
	return b, nil
}

// Ack is a control envelope pushed by the provider: subscribe
// acknowledgements, errors and PINGPONG keep-alives.
type Ack struct {
	Header struct {
		TrID    string `json:"tr_id"`
		TrKey   string `json:"tr_key"`
		Encrypt string `json:"encrypt"`
	} `json:"header"`
	Body struct {
		RtCd   string `json:"rt_cd"`
		MsgCd  string `json:"msg_cd"`
		Msg1   string `json:"msg1"`
		Output struct {
			IV  string `json:"iv"`
			Key string `json:"key"`
		} `json:"output"`
	} `json:"body"`
}

// ParseAck decodes a control envelope.
func ParseAck(raw []byte) (Ack, error) {
	var a Ack
	if err := json.Unmarshal(raw, &a); err != nil {
		return Ack{}, fmt.Errorf("feed: parse control envelope: %w", err)
	}
	return a, nil
}

// PingPong reports whether the envelope is the provider keep-alive.
func (a Ack) PingPong() bool { return a.Header.TrID == pingPongID }

// OK reports whether the provider accepted the request.
func (a Ack) OK() bool { return a.Body.RtCd == "" || a.Body.RtCd == "0" }
