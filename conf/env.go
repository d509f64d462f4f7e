package conf

// Environment selects which yaml file configuration is loaded from.
type Environment int

const (
	LocalEnvironmentEnum Environment = iota
	DevEnvironmentEnum
	ProdEnvironmentEnum
)

// SystemEnvironmentEnum current process environment, set by the binary's
// -env flag before InitConfig runs.
var SystemEnvironmentEnum = LocalEnvironmentEnum

// GetYaml returns the configuration file path for the current environment.
func GetYaml() string {
	switch SystemEnvironmentEnum {
	case DevEnvironmentEnum:
		return "conf/qkchat_dev.yaml"
	case ProdEnvironmentEnum:
		return "conf/qkchat_prod.yaml"
	default:
		return "conf/qkchat_loc.yaml"
	}
}
