package types

import "encoding/json"

// Command names of the FlareSolverr-compatible protocol
const (
	CmdRequestGet      = "request.get"
	CmdRequestPost     = "request.post"
	CmdSessionsCreate  = "sessions.create"
	CmdSessionsDestroy = "sessions.destroy"
	CmdSessionsList    = "sessions.list"
)

// Response status values
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Request is the inbound command as sent by clients and forwarded to backend instances.
// Raw keeps the original body so unknown commands can be relayed verbatim.
type Request struct {
	Cmd        string            `json:"cmd"`
	URL        string            `json:"url,omitempty"`
	Session    string            `json:"session,omitempty"`
	MaxTimeout int64             `json:"maxTimeout,omitempty"` // milliseconds
	PostData   string            `json:"postData,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	Instance   string            `json:"instance,omitempty"` // optional pin to a configured instance
	Raw        json.RawMessage   `json:"-"`
}

// Cookie is a browser cookie returned with a solution
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain,omitempty"`
	Path     string  `json:"path,omitempty"`
	Expires  float64 `json:"expires,omitempty"`
	Size     int     `json:"size,omitempty"`
	HTTPOnly bool    `json:"httpOnly,omitempty"`
	Secure   bool    `json:"secure,omitempty"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Solution is the page obtained after any challenge was cleared
type Solution struct {
	URL       string            `json:"url"`
	Status    int               `json:"status"`
	Response  string            `json:"response"`
	Cookies   []Cookie          `json:"cookies"`
	UserAgent string            `json:"userAgent"`
	Headers   map[string]string `json:"headers,omitempty"`
}

// Response is returned for every command, successful or not
type Response struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	ErrorType string    `json:"errorType,omitempty"`
	Solution  *Solution `json:"solution,omitempty"`
	Session   string    `json:"session,omitempty"`
	Sessions  []string  `json:"sessions,omitempty"`
	Elapsed   int64     `json:"elapsed"` // milliseconds
	FromCache bool      `json:"fromCache,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// IsOK reports whether the response carries a success status
func (r *Response) IsOK() bool {
	return r != nil && r.Status == StatusOK
}

// ErrorResponse builds a failure payload
func ErrorResponse(errorType, message string) *Response {
	return &Response{
		Status:    StatusError,
		Message:   message,
		ErrorType: errorType,
	}
}
