package chatter

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/putto11262002/chatter-sync/core"
	"github.com/putto11262002/chatter-sync/internal/devserver"
	"github.com/putto11262002/chatter-sync/pkg/channel"
	"github.com/spf13/viper"
)

type Config struct {
	Client ClientConfig `mapstructure:"client"`
	Server ServerConfig `mapstructure:"server"`
}

// ClientConfig configures the engine of the terminal client.
type ClientConfig struct {
	// APIURL is the base url of the conversation REST API.
	APIURL string `mapstructure:"api_url" validate:"required,url"`
	// WSURL is the url of the channel websocket endpoint.
	WSURL string `mapstructure:"ws_url" validate:"required,url"`
	// Token is a pre-issued bearer token. When empty the client logs in with
	// the author name and, for staff, the password.
	Token          string `mapstructure:"token"`
	Password       string `mapstructure:"password"`
	AuthorName     string `mapstructure:"author_name" validate:"required"`
	AuthorKind     string `mapstructure:"author_kind" validate:"required,oneof=visitor staff"`
	ConversationID string `mapstructure:"conversation_id"`

	PageSize       int           `mapstructure:"page_size" validate:"gte=1,lte=200"`
	SubmitTimeout  time.Duration `mapstructure:"submit_timeout" validate:"gt=0"`
	SendInterval   time.Duration `mapstructure:"send_interval" validate:"gte=0"`
	TypingExpiry   time.Duration `mapstructure:"typing_expiry" validate:"gt=0"`
	TypingDebounce time.Duration `mapstructure:"typing_debounce" validate:"gte=0"`
	Reconnect      struct {
		MaxRetries uint64        `mapstructure:"max_retries"`
		BaseDelay  time.Duration `mapstructure:"base_delay" validate:"gt=0"`
		MaxDelay   time.Duration `mapstructure:"max_delay" validate:"gtefield=BaseDelay"`
	} `mapstructure:"reconnect"`
}

func (c *ClientConfig) SessionConfig() core.SessionConfig {
	config := core.DefaultSessionConfig
	config.PageSize = c.PageSize
	config.SubmitTimeout = c.SubmitTimeout
	config.SendInterval = c.SendInterval
	config.TypingExpiry = c.TypingExpiry
	config.TypingDebounce = c.TypingDebounce
	return config
}

func (c *ClientConfig) ReconnectPolicy() channel.ReconnectPolicy {
	return channel.ReconnectPolicy{
		MaxRetries: c.Reconnect.MaxRetries,
		BaseDelay:  c.Reconnect.BaseDelay,
		MaxDelay:   c.Reconnect.MaxDelay,
	}
}

// ServerConfig configures the dev backend.
type ServerConfig struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `mapstructure:"port" validate:"required,port"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `mapstructure:"hostname" validate:"required"`
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// MaxConnections caps concurrently accepted connections. Zero means no limit.
	MaxConnections int `mapstructure:"max_connections" validate:"gte=0"`
	Auth           struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret   Base64Encoded `mapstructure:"secret" validate:"required"`
		TokenTTL time.Duration `mapstructure:"token_ttl" validate:"gt=0"`
	} `mapstructure:"auth"`
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `mapstructure:"file" validate:"required"`
	} `mapstructure:"sqlite"`
	Redis struct {
		// Addr of the redis server relaying channel frames. Empty keeps frames in process.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	// TLS serves HTTPS and WSS when both files are set.
	TLS struct {
		Crt string `mapstructure:"crt" validate:"required_with=Key"`
		Key string `mapstructure:"key" validate:"required_with=Crt"`
	} `mapstructure:"tls"`
	Staff []devserver.StaffAccount `mapstructure:"staff" validate:"dive"`
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

func setDefaults(v *viper.Viper) error {
	v.SetDefault("client.api_url", "http://localhost:8080")
	v.SetDefault("client.ws_url", "ws://localhost:8080/ws")
	v.SetDefault("client.token", "")
	v.SetDefault("client.password", "")
	v.SetDefault("client.author_name", "")
	v.SetDefault("client.author_kind", string(core.Visitor))
	v.SetDefault("client.conversation_id", "")
	v.SetDefault("client.page_size", core.DefaultPageSize)
	v.SetDefault("client.submit_timeout", core.DefaultSubmitTimeout.String())
	v.SetDefault("client.send_interval", core.DefaultSendInterval.String())
	v.SetDefault("client.typing_expiry", core.DefaultTypingExpiry.String())
	v.SetDefault("client.typing_debounce", core.DefaultTypingDebounce.String())
	v.SetDefault("client.reconnect.max_retries", channel.DefaultReconnectPolicy.MaxRetries)
	v.SetDefault("client.reconnect.base_delay", channel.DefaultReconnectPolicy.BaseDelay.String())
	v.SetDefault("client.reconnect.max_delay", channel.DefaultReconnectPolicy.MaxDelay.String())

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.hostname", "0.0.0.0")
	v.SetDefault("server.allowed_origins", "*")
	v.SetDefault("server.max_connections", 0)
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("server.auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("server.auth.token_ttl", "24h")
	v.SetDefault("server.sqlite.file", "./chatter-sync.db")
	v.SetDefault("server.redis.addr", "")
	v.SetDefault("server.tls.crt", "")
	v.SetDefault("server.tls.key", "")
	return nil
}

// LoadConfig loads the configuration from the config file, a .env file and
// environment variables. Keys map to variables with dots replaced by
// underscores, e.g. CLIENT_API_URL. file may be empty to look for config.yaml
// in the working directory; a missing default file is not an error.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	config := &Config{}
	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

var ErrMissingCredentials = errors.New("missing credentials")

func (c *ClientConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Token != "" {
		return nil
	}
	switch core.AuthorKind(c.AuthorKind) {
	case core.Staff:
		if c.Password == "" {
			return fmt.Errorf("%w: staff login needs client.password or client.token", ErrMissingCredentials)
		}
	case core.Visitor:
		// Visitor tokens are issued for one conversation.
		if c.ConversationID == "" {
			return fmt.Errorf("%w: visitor login needs client.conversation_id or client.token", ErrMissingCredentials)
		}
	}
	return nil
}

func (c *ServerConfig) Validate() error {
	return validate.Struct(c)
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, k := range slices.Sorted(maps.Keys(translated)) {
		sb.WriteString(translated[k])
		sb.WriteString("\n")
	}
	return sb.String()
}
