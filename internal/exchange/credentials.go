package exchange

import (
	"context"
	"os"
	"strings"

	"tradeguard-bot/internal/errs"
)

// EnvCredentials reads one key/secret pair per exchange from environment
// variables. Owners share the operator's venue account.
type EnvCredentials struct {
	vars map[string][2]string
}

func NewEnvCredentials() *EnvCredentials {
	return &EnvCredentials{vars: make(map[string][2]string)}
}

func (e *EnvCredentials) Register(exchange, keyEnv, secretEnv string) {
	e.vars[strings.ToLower(exchange)] = [2]string{keyEnv, secretEnv}
}

func (e *EnvCredentials) Credentials(ctx context.Context, ownerID, exchange string) (Credentials, error) {
	_ = ctx
	_ = ownerID
	names, ok := e.vars[strings.ToLower(exchange)]
	if !ok {
		return Credentials{}, nil
	}
	creds := Credentials{
		APIKey:    strings.TrimSpace(os.Getenv(names[0])),
		APISecret: strings.TrimSpace(os.Getenv(names[1])),
	}
	if names[0] != "" && creds.APIKey == "" {
		return Credentials{}, errs.New("credentials", errs.CodeAuthFailed, errs.WithExchange(exchange), errs.WithMessage(names[0]+" is not set"))
	}
	return creds, nil
}
