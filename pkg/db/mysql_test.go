package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParamsFromEnvDefaults(t *testing.T) {
	for _, k := range []string{"MYSQL_HOST", "MYSQL_PORT", "MYSQL_USER", "MYSQL_PASS", "MYSQL_DB"} {
		t.Setenv(k, "")
	}
	p := ParamsFromEnv()
	assert.Equal(t, "root:@tcp(127.0.0.1:3306)/peer_wan?charset=utf8mb4&parseTime=True&loc=Local", p.DSN())
}

func TestParamsFromEnvOverrides(t *testing.T) {
	t.Setenv("MYSQL_HOST", "db.internal")
	t.Setenv("MYSQL_PORT", "3307")
	t.Setenv("MYSQL_USER", "console")
	t.Setenv("MYSQL_PASS", "pw")
	t.Setenv("MYSQL_DB", "audit")
	assert.Equal(t, "console:pw@tcp(db.internal:3307)/audit?charset=utf8mb4&parseTime=True&loc=Local", ParamsFromEnv().DSN())
}
