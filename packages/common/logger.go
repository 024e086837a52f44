package common

import (
	"bytes"
	"encoding/json"

	"github.com/gin-gonic/gin"
	prettyconsole "github.com/thessem/zap-prettyconsole"
	"go.uber.org/zap"
)

// NewLogger returns the pretty console logger for local runs and the
// production JSON logger everywhere else.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "local" {
		return prettyconsole.NewLogger(zap.DebugLevel), nil
	}
	return zap.NewProduction()
}

// Marshal encodes t without HTML escaping and without the trailing newline
// json.Encoder appends.
func Marshal(t interface{}) ([]byte, error) {
	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(t); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buffer.Bytes(), "\n"), nil
}

// JSON writes obj with Marshal so tool payloads containing markup are
// returned untouched.
func JSON(c *gin.Context, code int, obj interface{}) {
	jsonStr, err := Marshal(obj)
	if err != nil {
		c.JSON(code, obj)
		return
	}
	c.Data(code, "application/json; charset=utf-8", jsonStr)
}
