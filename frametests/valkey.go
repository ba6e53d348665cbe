// Package frametests provides container backed base suites for integration tests.
package frametests

import (
	"context"

	"github.com/pitabwire/util"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcValKey "github.com/testcontainers/testcontainers-go/modules/valkey"
)

const ValkeyImage = "docker.io/valkey/valkey:latest"

// ValkeySuite starts one valkey container for the lifetime of a suite and
// skips the suite when no container runtime is reachable.
type ValkeySuite struct {
	suite.Suite

	// URI is the redis:// connection string of the running container.
	URI string

	container *tcValKey.ValkeyContainer
}

func (s *ValkeySuite) SetupSuite() {
	t := s.T()
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()

	container, err := tcValKey.Run(ctx, ValkeyImage)
	s.Require().NoError(err, "could not start valkey container")
	s.container = container

	s.URI, err = container.ConnectionString(ctx)
	s.Require().NoError(err, "could not obtain valkey connection string")

	util.Log(ctx).WithField("uri", s.URI).Debug("valkey container ready")
}

func (s *ValkeySuite) TearDownSuite() {
	if s.container == nil {
		return
	}

	ctx := context.Background()
	err := s.container.Terminate(ctx)
	if err != nil {
		util.Log(ctx).WithError(err).Error("failed to terminate valkey container")
	}
}
