package node

// Credentials are per-node login details.
type Credentials struct {
	User     string
	Password string
}

// String never includes the password.
func (c *Credentials) String() string {
	if c == nil {
		return ""
	}
	if c.Password == "" {
		return c.User
	}
	return c.User + ":***"
}

func (c *Credentials) equal(o *Credentials) bool {
	if c == nil || o == nil {
		return c == o
	}
	return *c == *o
}
