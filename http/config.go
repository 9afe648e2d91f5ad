package http

const (
	defaultHTTPPort       = 7654
	defaultBytesPerSecond = 50 * 1024 * 1024
)

// Config configures the HTTP server. Dataset names in requests are relative to ParentDataset.
type Config struct {
	ParentDataset string `json:"ParentDataset" yaml:"ParentDataset" mapstructure:"ParentDataset" validate:"required"`

	Port                 int      `json:"Port" yaml:"Port" mapstructure:"Port" validate:"min=0,max=65535"`
	Host                 string   `json:"Host" yaml:"Host" mapstructure:"Host"`
	AuthenticationTokens []string `json:"AuthenticationTokens" yaml:"AuthenticationTokens" mapstructure:"AuthenticationTokens" validate:"required,min=1,dive,min=8"`
	SpeedBytesPerSecond  int64    `json:"BytesPerSecond" yaml:"BytesPerSecond" mapstructure:"BytesPerSecond" validate:"min=0"`

	Permissions Permissions `json:"Permissions" yaml:"Permissions" mapstructure:"Permissions"`
}

// Permissions gate the requests that change or remove data
type Permissions struct {
	AllowSpeedOverride bool `json:"AllowSpeedOverride" yaml:"AllowSpeedOverride" mapstructure:"AllowSpeedOverride"`
	AllowNonRaw        bool `json:"AllowNonRaw" yaml:"AllowNonRaw" mapstructure:"AllowNonRaw"`
	AllowDestroy       bool `json:"AllowDestroy" yaml:"AllowDestroy" mapstructure:"AllowDestroy"`
	AllowRollback      bool `json:"AllowRollback" yaml:"AllowRollback" mapstructure:"AllowRollback"`
}

// ApplyDefaults sets all config values to their defaults (if they have one)
func (c *Config) ApplyDefaults() {
	c.SpeedBytesPerSecond = defaultBytesPerSecond
	c.Port = defaultHTTPPort
}
