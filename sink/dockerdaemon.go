package sink

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	dockerclient "github.com/moby/moby/client"

	"github.com/ocibuild/ocibuild/errs"
)

// DockerDaemon loads an image directly into a running Docker daemon, per
// spec.md §4.8: build the same tarball as the Tarball sink in a temp file,
// then invoke the external collaborator that loads it. Rather than
// shelling out to `docker load`, this calls the Engine API's ImageLoad
// directly through github.com/moby/moby/client.
type DockerDaemon struct {
	// Client is the Docker Engine API client; nil selects
	// client.NewClientWithOpts(client.FromEnv).
	Client *dockerclient.Client
	Logger *logrus.Entry
}

func (s DockerDaemon) Save(ctx context.Context, img Assembled) error {
	cli := s.Client
	if cli == nil {
		var err error
		cli, err = dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
		if err != nil {
			return errs.New(errs.KindTransport, "connecting to docker daemon", err)
		}
	}

	f, err := os.CreateTemp("", "ocibuild-load-*.tar")
	if err != nil {
		return errs.New(errs.KindCacheCorrupted, "creating temp tarball", err)
	}
	tempPath := f.Name()
	defer os.Remove(tempPath)
	f.Close()

	tarball := Tarball{Path: tempPath}
	if err := tarball.Save(ctx, img); err != nil {
		return err
	}

	tarFile, err := os.Open(tempPath)
	if err != nil {
		return errs.New(errs.KindCacheCorrupted, "reopening temp tarball", err)
	}
	defer tarFile.Close()

	res, err := cli.ImageLoad(ctx, tarFile, dockerclient.ImageLoadWithQuiet(true))
	if err != nil {
		return errs.New(errs.KindTransport, "loading image into docker daemon", err)
	}
	_, drainErr := io.Copy(io.Discard, res.Body)
	closeErr := res.Body.Close()
	if drainErr != nil {
		return errs.New(errs.KindTransport, "draining docker daemon load response", drainErr)
	}
	if closeErr != nil {
		return errs.New(errs.KindTransport, "closing docker daemon load response", closeErr)
	}

	if len(img.Tags) == 0 {
		return nil
	}
	inspect, err := cli.ImageInspect(ctx, img.Tags[0])
	if err != nil {
		return errs.New(errs.KindTransport, "inspecting loaded image "+img.Tags[0], err)
	}
	if s.Logger != nil {
		s.Logger.WithField("imageID", inspect.InspectResponse.ID).Info("loaded image into docker daemon")
	}
	return nil
}
