// internal/model/transport_target.go
package model

import (
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	appErrors "github.com/unclebandit/smsforward/internal/errors"
)

// Proxy types a target may declare.
const (
	ProxyHTTP  = "HTTP"
	ProxySOCKS = "SOCKS"
)

// ProxyConfig is the optional proxy a target's SMTP session is tunnelled through.
type ProxyConfig struct {
	Enabled  bool   `json:"enabled"`
	Type     string `json:"type" validate:"oneof=HTTP SOCKS"`
	Host     string `json:"host" validate:"required"`
	Port     int    `json:"port" validate:"min=1,max=65535"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// Active reports whether the proxy should be used for sessions.
func (p *ProxyConfig) Active() bool {
	return p != nil && p.Enabled && strings.TrimSpace(p.Host) != ""
}

// TransportTarget is a mailbox that inbound events are forwarded to.
// JSON names are part of the export format and must stay stable.
type TransportTarget struct {
	ID          string       `db:"id" json:"id" validate:"required"`
	DisplayName string       `db:"display_name" json:"displayName"`
	Address     string       `db:"email_address" json:"emailAddress" validate:"required,email"`
	Host        string       `db:"smtp_server" json:"smtpServer" validate:"required"`
	Port        int          `db:"smtp_port" json:"smtpPort" validate:"min=1,max=65535"`
	Username    string       `db:"username" json:"username"`
	Password    string       `db:"password" json:"password"`
	Enabled     bool         `db:"is_enabled" json:"isEnabled"`
	UseSSL      bool         `db:"use_ssl" json:"useSSL"`
	Proxy       *ProxyConfig `db:"proxy" json:"proxy,omitempty" validate:"omitempty"`
	UpdatedAt   time.Time    `db:"updated_at" json:"-"`
}

var validate = validator.New()

// Validate checks a target before it is persisted. Port fields must be 1–65535.
func (t *TransportTarget) Validate() error {
	return fromValidator(validate.Struct(t), "target")
}

// Validate checks the proxy block on its own, for probing before save.
func (p *ProxyConfig) Validate() error {
	return fromValidator(validate.Struct(p), "proxy")
}

func fromValidator(err error, fallback string) error {
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return appErrors.NewValidationError(fe.Namespace(), describeTag(fe))
	}
	return appErrors.NewValidationError(fallback, err.Error())
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "min", "max":
		return "must be between 1 and 65535"
	case "required":
		return "is required"
	case "email":
		return "is not an email address"
	case "oneof":
		return "must be one of " + fe.Param()
	}
	return "failed " + fe.Tag()
}
