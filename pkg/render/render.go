package render

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

// Engine renders templates embedded in the package.
type Engine struct {
	templates *template.Template
}

// New initialises an Engine by parsing all embedded templates.
func New() (*Engine, error) {
	t, err := template.New("render").Funcs(template.FuncMap{
		"shq":     shellQuote,
		"envline": envLine,
		"json":    jsonString,
	}).ParseFS(templatesFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	return &Engine{templates: t}, nil
}

// Render executes the named template with the provided data and returns the rendered string.
func (e *Engine) Render(name string, data any) (string, error) {
	if e == nil || e.templates == nil {
		return "", fmt.Errorf("nil engine")
	}

	buf := bytes.NewBuffer(nil)
	if err := e.templates.ExecuteTemplate(buf, name, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// Bootstrap carries everything the compute unit needs to fetch and start the
// job runner. It is rendered into the instance user data.
type Bootstrap struct {
	RunID           string
	Environment     string
	TopicID         string
	Backend         string
	NATSURL         string
	Region          string
	BundleLocation  string
	BundleURL       string
	BundlePublicKey string
	SecretsLocation string
	DataSourceConn  string
	DataDestConn    string
	SourceQuery     string
	DestTable       string
	TruncateDest    bool
	InstallDir      string
	Entrypoint      string
}

// Bootstrap renders the instance bootstrap script.
func (e *Engine) Bootstrap(b Bootstrap) (string, error) {
	if strings.TrimSpace(b.TopicID) == "" {
		return "", errors.New("bootstrap: topic id is required")
	}
	if b.BundleLocation == "" && b.BundleURL == "" {
		return "", errors.New("bootstrap: bundle location or url is required")
	}
	if b.InstallDir == "" {
		b.InstallDir = "/opt/spotetl"
	}
	if b.Entrypoint == "" {
		b.Entrypoint = "bin/etl-runner"
	}
	return e.Render("bootstrap.sh", b)
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// envLine produces a shell word that expands to KEY='value', suitable for
// files later read with ".".
func envLine(key, value string) string {
	return shellQuote(key + "=" + shellQuote(value))
}

// jsonString encodes s as a JSON string literal.
func jsonString(s string) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
