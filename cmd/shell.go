// This package provides utilities that underlie the specific commands.
// The idea is to make the specific command files very small, e.g.:
//
//    func main() {
//      var c cmd.Config
//      err := cmd.ReadConfigFile(configPath, &c)
//      cmd.FailOnError(err, "Reading JSON config file into config structure")
//      scope, logger := cmd.StatsAndLogging(c.Syslog)
//      // command logic
//    }
//
// ssl-agent currently has a single command, but the shell is kept
// general so a future "ssl-agent-doctor" or similar could reuse it.

package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nodeagent/sslboot/blog"
	"github.com/nodeagent/sslboot/metrics"
)

// StatsAndLogging constructs a metrics.Scope and a blog.Logger based on
// its config parameters, and returns them both. Crashes if any setup
// fails. Also installs the constructed Logger as the package-level
// default so any collaborator can reach it via blog.Get().
func StatsAndLogging(logConf SyslogConfig) (metrics.Scope, blog.Logger) {
	scope := metrics.NewPromScope(prometheus.DefaultRegisterer)

	tag := path.Base(os.Args[0])
	logger, err := blog.Dial(logConf.Network, logConf.Server, tag)
	FailOnError(err, "Could not connect to Syslog")

	blog.Set(logger)
	return scope, logger
}

// FailOnError exits and prints an error message if we encountered a
// problem.
func FailOnError(err error, msg string) {
	if err != nil {
		logger := blog.Get()
		logger.AuditErrf("%s: %s", msg, err)
		fmt.Fprintf(os.Stderr, "%s: %s\n", msg, err)
		os.Exit(1)
	}
}

// MetricsServer starts a server exposing Prometheus metrics at /metrics
// and Go runtime profiles under /debug/pprof/ on addr. Typical usage is
// to start it in a goroutine:
//
//   go cmd.MetricsServer(c.MetricsListenAddr)
func MetricsServer(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	if err := http.ListenAndServe(addr, mux); err != nil {
		FailOnError(err, "metrics server failed")
	}
}

// ReadConfigFile takes a file path as an argument and attempts to
// unmarshal the content of the file into a struct containing a
// configuration for an ssl-agent run.
func ReadConfigFile(filename string, out interface{}) error {
	configData, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	return json.Unmarshal(configData, out)
}

// VersionString produces a friendly application version string.
func VersionString() string {
	name := path.Base(os.Args[0])
	return fmt.Sprintf("Versions: %s Golang=(%s)", name, runtime.Version())
}

var signalToName = map[os.Signal]string{
	syscall.SIGTERM: "SIGTERM",
	syscall.SIGINT:  "SIGINT",
	syscall.SIGHUP:  "SIGHUP",
}

// CatchSignals catches SIGTERM, SIGINT, and SIGHUP and executes a
// callback before exiting.
func CatchSignals(logger blog.Logger, callback func()) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM)
	signal.Notify(sigChan, syscall.SIGINT)
	signal.Notify(sigChan, syscall.SIGHUP)

	sig := <-sigChan
	logger.Infof("Caught %s", signalToName[sig])

	if callback != nil {
		callback()
	}

	logger.Info("Exiting")
	os.Exit(0)
}
