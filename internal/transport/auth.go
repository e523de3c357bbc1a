package transport

import (
	"errors"
	"fmt"
	"net/smtp"
	"strings"
)

// loginAuth implements the LOGIN mechanism, which net/smtp does not ship.
type loginAuth struct {
	username, password, host string
}

func LoginAuth(username, password, host string) smtp.Auth {
	return &loginAuth{username: username, password: password, host: host}
}

func (a *loginAuth) Start(server *smtp.ServerInfo) (string, []byte, error) {
	if !server.TLS && !isLocalhost(server.Name) {
		return "", nil, errors.New("unencrypted connection")
	}
	if server.Name != a.host {
		return "", nil, errors.New("wrong host name")
	}
	return "LOGIN", nil, nil
}

func (a *loginAuth) Next(fromServer []byte, more bool) ([]byte, error) {
	if !more {
		return nil, nil
	}
	switch strings.ToLower(strings.TrimSpace(string(fromServer))) {
	case "username:":
		return []byte(a.username), nil
	case "password:":
		return []byte(a.password), nil
	default:
		return nil, fmt.Errorf("unexpected LOGIN challenge %q", fromServer)
	}
}

func isLocalhost(name string) bool {
	return name == "localhost" || name == "127.0.0.1" || name == "::1"
}

// pickAuth prefers PLAIN and falls back to LOGIN based on what the server advertises.
func pickAuth(advertised, username, password, host string) (smtp.Auth, error) {
	mechs := strings.Fields(strings.ToUpper(advertised))
	has := func(m string) bool {
		for _, x := range mechs {
			if x == m {
				return true
			}
		}
		return false
	}
	switch {
	case has("PLAIN"):
		return smtp.PlainAuth("", username, password, host), nil
	case has("LOGIN"):
		return LoginAuth(username, password, host), nil
	default:
		return nil, fmt.Errorf("server offers no supported auth mechanism (%s)", advertised)
	}
}
