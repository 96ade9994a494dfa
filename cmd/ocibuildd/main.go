// Command ocibuildd is the long-lived daemon front end: it listens on a
// Unix socket and serves build requests without the per-invocation
// process-startup cost of the ocibuild CLI, per SPEC_FULL.md §0. Each
// connection carries exactly one newline-delimited JSON request and
// receives exactly one newline-delimited JSON response; the cache and
// credential chain are shared across every request the process serves.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/ocibuild/ocibuild"
	"github.com/ocibuild/ocibuild/imagemodel"
	"github.com/ocibuild/ocibuild/sink"
	"github.com/ocibuild/ocibuild/tarlayer"
)

// request is the daemon's wire request: a BuildPlan flattened to JSON plus
// a destination sink spec. It mirrors buildFile's CLI-side YAML shape but
// over the socket rather than a file, since a daemon client typically
// already holds the plan in memory.
type request struct {
	Plan struct {
		BaseImage        string                    `json:"baseImage"`
		Architecture     string                    `json:"architecture"`
		OS               string                    `json:"os"`
		Format           string                    `json:"format"`
		Environment      map[string]string         `json:"environment"`
		Labels           map[string]string         `json:"labels"`
		Volumes          []string                  `json:"volumes"`
		ExposedPorts     []ocibuild.ExposedPort     `json:"exposedPorts"`
		User             string                    `json:"user"`
		WorkingDirectory string                    `json:"workingDirectory"`
		Entrypoint       []string                  `json:"entrypoint"`
		Cmd              []string                  `json:"cmd"`
		Tags             []string                  `json:"tags"`
		Layers           []tarlayer.Layer          `json:"layers"`
	} `json:"plan"`
	Sink struct {
		Kind string `json:"kind"` // registry|tarball|oci-layout|docker-daemon
		Dest string `json:"dest"`
	} `json:"sink"`
}

type response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func main() {
	socketPath := flag.String("socket", "/run/ocibuild/ocibuildd.sock", "Unix socket path to listen on")
	cacheDir := flag.String("cache", "/var/cache/ocibuild", "cache root directory")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	entry := logrus.NewEntry(logger).WithField("component", "ocibuildd")

	if err := run(*socketPath, *cacheDir, entry); err != nil {
		entry.WithError(err).Fatal("ocibuildd exited")
	}
}

func run(socketPath, cacheDir string, logger *logrus.Entry) error {
	_ = os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return err
	}
	defer listener.Close()

	cfg, err := ocibuild.LoadBuilderConfig()
	if err != nil {
		return err
	}
	cfg.Logger = logger
	builder := ocibuild.NewBuilder(cfg, cacheDir, nil)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	logger.WithField("socket", socketPath).Info("listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				logger.WithError(err).Warn("accept failed")
				continue
			}
		}
		go handleConn(ctx, builder, conn, logger)
	}
}

func handleConn(ctx context.Context, builder *ocibuild.Builder, conn net.Conn, logger *logrus.Entry) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !scanner.Scan() {
		return
	}

	var req request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		writeResponse(conn, response{Error: "decoding request: " + err.Error()})
		return
	}

	plan := ocibuild.BuildPlan{
		BaseImage:    req.Plan.BaseImage,
		Architecture: req.Plan.Architecture,
		OS:           req.Plan.OS,
		Environment:  req.Plan.Environment,
		Labels:       req.Plan.Labels,
		ExposedPorts: req.Plan.ExposedPorts,
		Entrypoint:   req.Plan.Entrypoint,
		Cmd:          req.Plan.Cmd,
		Tags:         req.Plan.Tags,
		Layers:       req.Plan.Layers,
	}
	if req.Plan.Format != "" {
		plan.Format = imagemodel.FormatDocker
		if req.Plan.Format == "OCI" {
			plan.Format = imagemodel.FormatOCI
		}
	}
	if req.Plan.User != "" {
		plan.User = &req.Plan.User
	}
	if req.Plan.WorkingDirectory != "" {
		plan.WorkingDirectory = &req.Plan.WorkingDirectory
	}
	if len(req.Plan.Volumes) > 0 {
		plan.Volumes = map[string]struct{}{}
		for _, v := range req.Plan.Volumes {
			plan.Volumes[v] = struct{}{}
		}
	}

	dst, err := resolveSink(builder, req.Sink.Kind, req.Sink.Dest, logger)
	if err != nil {
		writeResponse(conn, response{Error: err.Error()})
		return
	}

	if err := builder.Build(ctx, plan, dst); err != nil {
		logger.WithError(err).Warn("build failed")
		writeResponse(conn, response{Error: err.Error()})
		return
	}
	writeResponse(conn, response{OK: true})
}

func resolveSink(builder *ocibuild.Builder, kind, dest string, logger *logrus.Entry) (sink.Sink, error) {
	switch kind {
	case "registry":
		return builder.RegistrySink(dest)
	case "tarball":
		return sink.Tarball{Path: dest}, nil
	case "oci-layout":
		return sink.OCILayout{Dir: dest}, nil
	case "docker-daemon":
		return sink.DockerDaemon{Logger: logger}, nil
	default:
		return nil, &unknownSinkError{kind: kind}
	}
}

type unknownSinkError struct{ kind string }

func (e *unknownSinkError) Error() string {
	return "unknown sink kind " + e.kind + ": want registry|tarball|oci-layout|docker-daemon"
}

func writeResponse(conn net.Conn, resp response) {
	enc := json.NewEncoder(conn)
	_ = enc.Encode(resp)
}
