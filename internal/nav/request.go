package nav

import "fmt"

// RequestKind is one of the closed set of operator commands.
type RequestKind int

const (
	RequestConnect RequestKind = iota + 1
	RequestTakeoff
	RequestLand
	RequestRTL
	RequestExit
	RequestSearch
	RequestStatus
)

var requestNames = map[RequestKind]string{
	RequestConnect: "connect",
	RequestTakeoff: "takeoff",
	RequestLand:    "land",
	RequestRTL:     "rtl",
	RequestExit:    "exit",
	RequestSearch:  "search",
	RequestStatus:  "status",
}

func (k RequestKind) String() string {
	if n, ok := requestNames[k]; ok {
		return n
	}
	return fmt.Sprintf("request(%d)", int(k))
}

// Request is an operator command travelling to the frame loop.
type Request struct {
	Kind RequestKind
	// AltitudeM is the takeoff altitude; zero means the cruise altitude.
	AltitudeM float64
	// Enable is the search on/off argument.
	Enable bool
	// Source names where the request came from, for the log.
	Source string
	// Reply, if set, receives a one-line human answer.
	Reply func(string)
}

// Terminal reports whether the request ends the session.
func (r Request) Terminal() bool {
	return r.Kind == RequestLand || r.Kind == RequestRTL || r.Kind == RequestExit
}

func (r Request) String() string {
	switch r.Kind {
	case RequestTakeoff:
		if r.AltitudeM > 0 {
			return fmt.Sprintf("takeoff %g", r.AltitudeM)
		}
	case RequestSearch:
		if r.Enable {
			return "search on"
		}
		return "search off"
	}
	return r.Kind.String()
}

func (r Request) reply(format string, v ...interface{}) {
	if r.Reply != nil {
		r.Reply(fmt.Sprintf(format, v...))
	}
}
