package session

// Role tags what a Message is for.
type Role int

const (
	RoleDirective Role = iota // the system instruction sent first on a connection
	RoleUser                  // typed by the user
	RoleReply                 // produced by the responder
	RoleError                 // produced locally to report a failure
)

func (r Role) String() string {
	switch r {
	case RoleDirective:
		return "directive"
	case RoleUser:
		return "user"
	case RoleReply:
		return "reply"
	case RoleError:
		return "error"
	default:
		return "unknown"
	}
}

// Message is one immutable line of chat text.
type Message struct {
	Role Role
	Text string
}
