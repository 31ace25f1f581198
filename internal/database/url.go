package database

import (
	"fmt"
	"net/url"
	"strings"
)

// URLParams describes how to reach the database when no URL is given
// directly. A Cloud SQL instance is reached through its unix socket.
type URLParams struct {
	URL                    string
	InstanceConnectionName string
	User                   string
	Password               string
	Name                   string
}

// BuildURL resolves a connection string for the driver.
//
// For sqlite the URL is a file path (or ":memory:"). For postgres an explicit
// URL wins; otherwise a socket DSN is built from the instance connection name.
func BuildURL(driver string, p URLParams) (string, error) {
	if p.URL != "" {
		return p.URL, nil
	}
	if driver == DriverSQLite {
		return "", fmt.Errorf("DATABASE_URL is required for sqlite")
	}

	if p.InstanceConnectionName == "" {
		return "", fmt.Errorf("neither DATABASE_URL nor INSTANCE_CONNECTION_NAME is set")
	}
	if p.User == "" || p.Name == "" {
		return "", fmt.Errorf("DB_USER and DB_NAME must be set when using INSTANCE_CONNECTION_NAME")
	}

	socketPath := "/cloudsql/" + p.InstanceConnectionName
	if p.Password != "" {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s sslmode=disable",
			socketPath, p.User, p.Password, p.Name), nil
	}
	// IAM authentication needs no password.
	return fmt.Sprintf("host=%s user=%s dbname=%s sslmode=disable", socketPath, p.User, p.Name), nil
}

// RedactURL hides the password in a connection string for logging.
func RedactURL(connStr string) string {
	if strings.HasPrefix(connStr, "postgresql://") || strings.HasPrefix(connStr, "postgres://") {
		u, err := url.Parse(connStr)
		if err != nil || u.User == nil {
			return connStr
		}
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
		}
		return u.String()
	}

	fields := strings.Fields(connStr)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
