package driverx

import (
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/solentra/dbkit/config"
)

// BuildDSN renders the driver-native DSN for one host of a connection
// config. The credentials come pre-resolved (read or write side).
func BuildDSN(cfg config.ConnectionConfig, host config.HostConfig, database, username, password string) (string, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		return postgresDSN(cfg, host, database, username, password), nil
	case config.DriverMySQL:
		return mysqlDSN(cfg, host, database, username, password), nil
	default:
		return "", &unsupportedDriverError{driver: cfg.Driver}
	}
}

// postgresDSN builds a postgres URL. IPv6-safe thanks to net.JoinHostPort.
func postgresDSN(cfg config.ConnectionConfig, host config.HostConfig, database, username, password string) string {
	u := &url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(host.Host, strconv.Itoa(host.Port)),
		Path:   "/" + strings.TrimPrefix(database, "/"),
	}
	if username != "" || password != "" {
		u.User = url.UserPassword(username, password)
	}
	q := u.Query()
	for k, v := range cfg.Params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func mysqlDSN(cfg config.ConnectionConfig, host config.HostConfig, database, username, password string) string {
	mc := mysql.NewConfig()
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(host.Host, strconv.Itoa(host.Port))
	mc.DBName = database
	mc.User = username
	mc.Passwd = password
	mc.ParseTime = true
	mc.Timeout = 5 * time.Second
	if len(cfg.Params) > 0 {
		mc.Params = make(map[string]string, len(cfg.Params))
		for k, v := range cfg.Params {
			mc.Params[k] = v
		}
	}
	return mc.FormatDSN()
}

type unsupportedDriverError struct{ driver string }

func (e *unsupportedDriverError) Error() string {
	return "driverx: unsupported driver " + strconv.Quote(e.driver)
}
