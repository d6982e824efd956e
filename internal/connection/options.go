package connection

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/roach88/docbind/internal/driver"
	"github.com/roach88/docbind/internal/errs"
	"github.com/roach88/docbind/internal/pool"
)

// Recognized configuration keys.
const (
	KeyPort               = "port"
	KeyHost               = "host"
	KeyDB                 = "db"
	KeyAuthKey            = "authKey"
	KeyUser               = "user"
	KeyName               = "name"
	KeyMax                = "max"
	KeyMin                = "min"
	KeyIdleTimeoutMillis  = "idleTimeoutMillis"
	KeyRefreshIdle        = "refreshIdle"
	KeyReapIntervalMillis = "reapIntervalMillis"
	KeyPriorityRange      = "priorityRange"
	KeyLog                = "log"
)

// Options is the typed connection configuration.
type Options struct {
	Host    string
	Port    int
	DB      string
	AuthKey string
	User    string
	Name    string

	Max           int
	Min           int
	IdleTimeout   time.Duration
	RefreshIdle   bool
	ReapInterval  time.Duration
	PriorityRange int

	// Log routes pool lifecycle messages to the connection's logger.
	Log bool

	// LogFunc, when set, receives pool lifecycle messages instead.
	LogFunc pool.LogFunc
}

// DefaultOptions returns the configuration used for keys the caller omits.
func DefaultOptions() Options {
	return Options{
		Host:          driver.DefaultHost,
		Port:          driver.DefaultPort,
		DB:            driver.DefaultDB,
		User:          driver.DefaultUser,
		Max:           pool.DefaultMax,
		Min:           0,
		IdleTimeout:   pool.DefaultIdleTimeout,
		RefreshIdle:   true,
		ReapInterval:  pool.DefaultReapInterval,
		PriorityRange: pool.DefaultPriorityRange,
	}
}

// ConnectOptions returns the parameters for opening one handle.
func (o Options) ConnectOptions() driver.ConnectOptions {
	return driver.ConnectOptions{
		Host:    o.Host,
		Port:    o.Port,
		DB:      o.DB,
		AuthKey: o.AuthKey,
		User:    o.User,
		Name:    o.Name,
	}
}

// PoolConfig returns the pool configuration for o.
func (o Options) PoolConfig() pool.Config {
	return pool.Config{
		Name:          o.Name,
		Max:           o.Max,
		Min:           o.Min,
		IdleTimeout:   o.IdleTimeout,
		RefreshIdle:   o.RefreshIdle,
		ReapInterval:  o.ReapInterval,
		PriorityRange: o.PriorityRange,
	}
}

// ParseOptions applies raw over base with strict type checking.
//
// Numbers may be any Go integer type, or a float64 with an integral value
// (as decoded from JSON). Unrecognized keys are ignored. A recognized key
// with the wrong type yields an *errs.IllegalArgumentError naming the key.
// The log key accepts a bool, a func(string) or a pool.LogFunc.
func ParseOptions(base Options, raw map[string]any) (Options, error) {
	o := base

	// Sorted for a deterministic first error.
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		v := raw[key]
		var err error
		switch key {
		case KeyPort:
			o.Port, err = number(key, v)
			if err == nil && (o.Port <= 0 || o.Port > math.MaxUint16) {
				err = errs.IllegalArgument(key, "must be a valid TCP port, got %d", o.Port)
			}
		case KeyHost:
			o.Host, err = str(key, v)
		case KeyDB:
			o.DB, err = str(key, v)
		case KeyAuthKey:
			o.AuthKey, err = str(key, v)
		case KeyUser:
			o.User, err = str(key, v)
		case KeyName:
			o.Name, err = str(key, v)
		case KeyMax:
			o.Max, err = nonNegative(key, v)
		case KeyMin:
			o.Min, err = nonNegative(key, v)
		case KeyIdleTimeoutMillis:
			var ms int
			ms, err = nonNegative(key, v)
			o.IdleTimeout = time.Duration(ms) * time.Millisecond
		case KeyRefreshIdle:
			o.RefreshIdle, err = boolean(key, v)
		case KeyReapIntervalMillis:
			var ms int
			ms, err = nonNegative(key, v)
			o.ReapInterval = time.Duration(ms) * time.Millisecond
		case KeyPriorityRange:
			o.PriorityRange, err = nonNegative(key, v)
		case KeyLog:
			err = parseLog(&o, v)
		}
		if err != nil {
			return base, err
		}
	}
	return o, nil
}

func parseLog(o *Options, v any) error {
	switch fn := v.(type) {
	case bool:
		o.Log = fn
		o.LogFunc = nil
	case pool.LogFunc:
		o.LogFunc = fn
	case func(string, slog.Level):
		o.LogFunc = fn
	case func(string):
		o.LogFunc = func(msg string, _ slog.Level) { fn(msg) }
	default:
		return errs.IllegalArgument(KeyLog, "must be a boolean or a function, got %T", v)
	}
	return nil
}

func str(key string, v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", errs.IllegalArgument(key, "must be a string, got %T", v)
	}
	return s, nil
}

func boolean(key string, v any) (bool, error) {
	b, ok := v.(bool)
	if !ok {
		return false, errs.IllegalArgument(key, "must be a boolean, got %T", v)
	}
	return b, nil
}

func nonNegative(key string, v any) (int, error) {
	n, err := number(key, v)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, errs.IllegalArgument(key, "must not be negative, got %d", n)
	}
	return n, nil
}

// number accepts the integer shapes produced by Go callers and by the
// YAML, TOML and JSON decoders.
func number(key string, v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int8:
		return int(n), nil
	case int16:
		return int(n), nil
	case int32:
		return int(n), nil
	case int64:
		return int(n), nil
	case uint:
		return int(n), nil
	case uint8:
		return int(n), nil
	case uint16:
		return int(n), nil
	case uint32:
		return int(n), nil
	case uint64:
		if n > math.MaxInt32 {
			break
		}
		return int(n), nil
	case float32:
		return number(key, float64(n))
	case float64:
		if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) <= math.MaxInt32 {
			return int(n), nil
		}
		return 0, errs.IllegalArgument(key, "must be an integer, got %v", n)
	}
	return 0, errs.IllegalArgument(key, "must be a number, got %T", v)
}

// Map returns o as a raw configuration map, the inverse of ParseOptions for
// every key except log.
func (o Options) Map() map[string]any {
	return map[string]any{
		KeyHost:               o.Host,
		KeyPort:               o.Port,
		KeyDB:                 o.DB,
		KeyAuthKey:            o.AuthKey,
		KeyUser:               o.User,
		KeyName:               o.Name,
		KeyMax:                o.Max,
		KeyMin:                o.Min,
		KeyIdleTimeoutMillis:  int(o.IdleTimeout / time.Millisecond),
		KeyRefreshIdle:        o.RefreshIdle,
		KeyReapIntervalMillis: int(o.ReapInterval / time.Millisecond),
		KeyPriorityRange:      o.PriorityRange,
	}
}

// String redacts the auth key.
func (o Options) String() string {
	auth := ""
	if o.AuthKey != "" {
		auth = " authKey=***"
	}
	return fmt.Sprintf("%s/%s user=%s%s max=%d min=%d", driver.ConnectOptions{Host: o.Host, Port: o.Port}.Address(), o.DB, o.User, auth, o.Max, o.Min)
}
