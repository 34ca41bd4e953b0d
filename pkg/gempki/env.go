package gempki

import "fmt"

type Environment string

const (
	EnvDev  Environment = "dev"
	EnvRef  Environment = "ref"
	EnvTest Environment = "test"
	EnvProd Environment = "prod"
)

// IsPU reports whether the environment is the production environment (Produktivumgebung).
func (e Environment) IsPU() bool {
	return e == EnvProd
}

func ParseEnvironment(s string) (Environment, error) {
	switch env := Environment(s); env {
	case EnvDev, EnvRef, EnvTest, EnvProd:
		return env, nil
	default:
		return "", fmt.Errorf("unknown environment: %s", s)
	}
}
