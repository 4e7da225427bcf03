package domain

import (
	"math"
	"strings"
	"time"
)

const (
	MsgMissingFile      = "Must provide a file"
	MsgInvalidCount     = "numOfRequests must be a positive integer"
	MsgAPIDown          = "API is down"
	DefaultNumRequests  = 1
	DefaultToCloudRun   = "false"
	timePrecisionFactor = 1e5
)

type StartRequest struct {
	NumOfRequests int    `json:"numOfRequests" form:"numOfRequests"`
	ToCloudRun    string `json:"toCloudRun" form:"toCloudRun"`
}

// NewStartRequest returns a StartRequest holding the form defaults, ready to
// be filled by a body parser.
func NewStartRequest() *StartRequest {
	return &StartRequest{
		NumOfRequests: DefaultNumRequests,
		ToCloudRun:    DefaultToCloudRun,
	}
}

// UseSecondTarget reports whether the request routes to the second upstream.
func (r StartRequest) UseSecondTarget() bool {
	return IsTruthy(r.ToCloudRun)
}

var truthy = map[string]struct{}{
	"true": {},
	"1":    {},
	"t":    {},
	"y":    {},
	"yes":  {},
}

// IsTruthy matches v case-insensitively against true, 1, t, y and yes.
func IsTruthy(v string) bool {
	_, ok := truthy[strings.ToLower(v)]
	return ok
}

type StartResponse struct {
	NumOfRequests  int     `json:"numOfRequests"`
	FailedRequests int     `json:"failedRequests"`
	Time           float64 `json:"time"`
	Result         *string `json:"result"`
	Error          *string `json:"error"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

// Attempt is the outcome of one relayed request.
type Attempt struct {
	Index int
	OK    bool
	Body  string
}

// Summary collects attempt bodies split by outcome, each in attempt order.
type Summary struct {
	Fulfilled []string
	Rejected  []string
	Elapsed   time.Duration
}

func (s *Summary) Add(a Attempt) {
	if a.OK {
		s.Fulfilled = append(s.Fulfilled, a.Body)
		return
	}
	s.Rejected = append(s.Rejected, a.Body)
}

func (s Summary) Total() int {
	return len(s.Fulfilled) + len(s.Rejected)
}

// Response builds the /start body.
func (s Summary) Response() StartResponse {
	resp := StartResponse{
		NumOfRequests:  s.Total(),
		FailedRequests: len(s.Rejected),
		Time:           Milliseconds(s.Elapsed),
	}
	if len(s.Fulfilled) > 0 {
		resp.Result = &s.Fulfilled[0]
	}
	if len(s.Rejected) > 0 {
		resp.Error = &s.Rejected[0]
	}
	return resp
}

// Milliseconds converts d to milliseconds rounded to five decimal places.
func Milliseconds(d time.Duration) float64 {
	ms := float64(d) / float64(time.Millisecond)
	return math.Round(ms*timePrecisionFactor) / timePrecisionFactor
}
