package version

import "fmt"

// Заполняются через -ldflags "-X github.com/vladislavdragonenkov/jms/internal/version.version=...".
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Info возвращает версию, коммит и дату сборки.
func Info() (v, c, d string) { return version, commit, date }

func GetVersion() string { return version }

func GetCommit() string { return commit }

func GetDate() string { return date }

// String возвращает строку для логов и `--version` в CLI.
func String() string {
	return fmt.Sprintf("jms version=%s commit=%s date=%s", version, commit, date)
}
