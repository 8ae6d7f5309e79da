package simpleamqp

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cast"
)

// Default connection parameters, matching a stock RabbitMQ installation.
const (
	DefaultHost     = "localhost"
	DefaultPort     = 5672
	DefaultUsername = "guest"
	DefaultPassword = "guest"
	DefaultVHost    = "/"
)

// Parameters identifies one broker endpoint. The value is immutable once
// passed to NewConnection.
type Parameters struct {
	Host     string
	Port     int
	Username string
	Password string
	VHost    string
}

// DefaultParameters returns the parameters for a local broker with the
// default guest account.
func DefaultParameters() Parameters {
	return Parameters{
		Host:     DefaultHost,
		Port:     DefaultPort,
		Username: DefaultUsername,
		Password: DefaultPassword,
		VHost:    DefaultVHost,
	}
}

// ParseParameters parses an amqp:// URI into Parameters.
func ParseParameters(uri string) (Parameters, error) {
	u, err := amqp.ParseURI(uri)
	if err != nil {
		return Parameters{}, fmt.Errorf("parse amqp uri: %w", err)
	}

	return Parameters{
		Host:     u.Host,
		Port:     u.Port,
		Username: u.Username,
		Password: u.Password,
		VHost:    u.Vhost,
	}.withDefaults(), nil
}

// URI renders the parameters as an amqp:// URI.
func (p Parameters) URI() string {
	p = p.withDefaults()

	return amqp.URI{
		Scheme:   "amqp",
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
		Vhost:    p.VHost,
	}.String()
}

// String returns the URI with the password masked.
func (p Parameters) String() string {
	p = p.withDefaults()

	return fmt.Sprintf("amqp://%s@%s:%d%s", p.Username, p.Host, p.Port, p.VHost)
}

func (p Parameters) withDefaults() Parameters {
	d := DefaultParameters()

	if p.Host == "" {
		p.Host = d.Host
	}

	if p.Port == 0 {
		p.Port = d.Port
	}

	if p.Username == "" {
		p.Username = d.Username
	}

	if p.Password == "" {
		p.Password = d.Password
	}

	if p.VHost == "" {
		p.VHost = d.VHost
	}

	return p
}

// LookupFunc looks up a configuration key, e.g. os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ParametersFromEnv builds Parameters from AMQP_URL, or from AMQP_HOST,
// AMQP_PORT, AMQP_USERNAME, AMQP_PASSWORD and AMQP_VHOST when no URL is set.
// Unset keys keep their defaults.
func ParametersFromEnv(lookup LookupFunc) (Parameters, error) {
	if uri, ok := lookup("AMQP_URL"); ok && uri != "" {
		return ParseParameters(uri)
	}

	p := DefaultParameters()

	if v, ok := lookup("AMQP_HOST"); ok && v != "" {
		p.Host = v
	}

	if v, ok := lookup("AMQP_PORT"); ok && v != "" {
		port, err := cast.ToIntE(v)
		if err != nil || port <= 0 || port > 65535 {
			return Parameters{}, fmt.Errorf("invalid AMQP_PORT %q", v)
		}

		p.Port = port
	}

	if v, ok := lookup("AMQP_USERNAME"); ok && v != "" {
		p.Username = v
	}

	if v, ok := lookup("AMQP_PASSWORD"); ok && v != "" {
		p.Password = v
	}

	if v, ok := lookup("AMQP_VHOST"); ok && v != "" {
		p.VHost = v
	}

	return p, nil
}

func (p Parameters) action() CreateConnection {
	p = p.withDefaults()

	return CreateConnection{
		Host:     p.Host,
		Port:     p.Port,
		Username: p.Username,
		Password: p.Password,
		VHost:    p.VHost,
	}
}
