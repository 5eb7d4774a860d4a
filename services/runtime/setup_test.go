package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oxo/pkg/config"
)

func TestSetupFactory(t *testing.T) {
	setup := &Setup{
		Config: config.Runtime{
			API: config.API{Endpoint: "http://127.0.0.1:1/graphql", Key: "k"},
		},
		Logger:   zerolog.Nop(),
		Registry: prometheus.NewRegistry(),
	}
	defer setup.Close()
	f := setup.Factory(context.Background())

	rt, err := f.New(KindLocal)
	require.NoError(t, err)
	_, ok := rt.(*Local)
	assert.True(t, ok)

	rt, err = f.New(KindRemote)
	require.NoError(t, err)
	_, ok = rt.(*Remote)
	assert.True(t, ok)

	_, err = f.New(Kind("cloud"))
	var notFound *RuntimeNotFoundError
	require.True(t, errors.As(err, &notFound))
}

func TestSetupRemoteRequiresEndpoint(t *testing.T) {
	setup := &Setup{Logger: zerolog.Nop()}
	_, err := setup.Remote()
	require.Error(t, err)
}
