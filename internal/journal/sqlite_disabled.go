//go:build !sqlite

package journal

import (
	"errors"

	logx "github.com/moorej2400/sobertube-app-sub003/pkg/logx"
)

func openSQLite(Config, logx.Logger) (Journal, error) {
	return nil, errors.New("sqlite journal not built: build with -tags sqlite")
}
