package protocol

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

const (
	MethodSubscribe           = "mining.subscribe"
	MethodExtranonceSubscribe = "mining.extranonce.subscribe"
	MethodAuthorize           = "mining.authorize"
	MethodSubmit              = "mining.submit"
	MethodSetDifficulty       = "mining.set_difficulty"
	MethodSetExtranonce       = "mining.set_extranonce"
	MethodNotify              = "mining.notify"
	MethodSuggestDifficulty   = "mining.suggest_difficulty"
)

// Error codes carried in Error.Code.
const (
	ErrCodeUnknown       = 20
	ErrCodeJobNotFound   = 21
	ErrCodeDuplicate     = 22
	ErrCodeLowDifficulty = 23
	ErrCodeUnauthorized  = 24
	ErrCodeNotSubscribed = 25
)

var codec = sonic.ConfigDefault

// Request is a request when ID is set and a notification otherwise.
type Request struct {
	ID     *int            `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type Response struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Message }

type SubscribeParams struct {
	UserAgent string `json:"user_agent,omitempty"`
}

type SubscribeResult struct {
	Extranonce1     string `json:"extranonce1"`
	Extranonce2Size int    `json:"extranonce2_size"`
}

type AuthorizeParams struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SubmitParams struct {
	WorkerName  string `json:"worker_name"`
	JobID       string `json:"job_id"`
	Extranonce2 string `json:"extranonce2"`
	NTime       string `json:"ntime"`
	Nonce       string `json:"nonce"`
}

// SubmitRequest is a parsed mining.submit with the id the worker used.
type SubmitRequest struct {
	ID int
	SubmitParams
}

type SubmitResponse struct {
	ID       int
	Accepted bool
	Error    *Error
}

type SetDifficultyParams struct {
	Difficulty float64 `json:"difficulty"`
}

type SetExtranonceParams struct {
	Extranonce1     string `json:"extranonce1"`
	Extranonce2Size int    `json:"extranonce2_size"`
}

type NotifyParams struct {
	JobID          string   `json:"job_id"`
	PrevHash       string   `json:"prev_hash"`
	Coinbase1      string   `json:"coinbase1"`
	Coinbase2      string   `json:"coinbase2"`
	MerkleBranches []string `json:"merkle_branches"`
	Version        string   `json:"version"`
	NBits          string   `json:"nbits"`
	NTime          string   `json:"ntime"`
	CleanJobs      bool     `json:"clean_jobs"`
}

// Sanitize copies only the protocol relevant fields.
func (n *NotifyParams) Sanitize() *NotifyParams {
	if n == nil {
		return nil
	}
	out := &NotifyParams{
		JobID:     n.JobID,
		PrevHash:  n.PrevHash,
		Coinbase1: n.Coinbase1,
		Coinbase2: n.Coinbase2,
		Version:   n.Version,
		NBits:     n.NBits,
		NTime:     n.NTime,
		CleanJobs: n.CleanJobs,
	}
	if n.MerkleBranches != nil {
		out.MerkleBranches = append([]string(nil), n.MerkleBranches...)
	}
	return out
}

type SuggestDifficultyParams struct {
	Difficulty float64 `json:"difficulty"`
}

func Encode(v any) ([]byte, error) {
	return codec.Marshal(v)
}

func Decode(data []byte, v any) error {
	return codec.Unmarshal(data, v)
}

// NewRequest encodes a request, or a notification when id is nil.
func NewRequest(id *int, method string, params any) ([]byte, error) {
	raw, err := Encode(params)
	if err != nil {
		return nil, err
	}
	return Encode(Request{ID: id, Method: method, Params: raw})
}

// NewResult encodes a successful response.
func NewResult(id int, result any) ([]byte, error) {
	raw, err := Encode(result)
	if err != nil {
		return nil, err
	}
	return Encode(Response{ID: id, Result: raw})
}

// NewError encodes an error response.
func NewError(id int, code int, msg string) ([]byte, error) {
	return Encode(Response{ID: id, Error: &Error{Code: code, Message: msg}})
}

// EncodeSubmitResponse encodes a submit reply as result true/false plus error.
func EncodeSubmitResponse(resp *SubmitResponse) ([]byte, error) {
	raw, err := Encode(resp.Accepted)
	if err != nil {
		return nil, err
	}
	return Encode(Response{ID: resp.ID, Result: raw, Error: resp.Error})
}

// DecodeSubmitResponse reads a pool reply to mining.submit.
func DecodeSubmitResponse(resp *Response) *SubmitResponse {
	out := &SubmitResponse{ID: resp.ID, Error: resp.Error}
	if len(resp.Result) > 0 {
		_ = Decode(resp.Result, &out.Accepted)
	}
	if out.Error != nil {
		out.Accepted = false
	}
	return out
}
