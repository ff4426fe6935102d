//go:build integration

package sink_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/suite"

	"myco/internal/sink"
	"myco/pkg/testutil"
	"myco/pkg/testutil/containers"
)

type PostgresSinkSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	sink     *sink.Postgres
}

func TestPostgresSinkSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresSinkSuite))
}

func (s *PostgresSinkSuite) SetupSuite() {
	s.postgres = containers.GetManager().GetPostgres(s.T())
	var err error
	s.sink, err = sink.NewPostgres(s.postgres.Pool, sink.WithTable("telemetry_raw"))
	s.Require().NoError(err)
	s.Require().NoError(s.sink.EnsureSchema(context.Background()))
}

func (s *PostgresSinkSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "telemetry_raw"))
}

func (s *PostgresSinkSuite) count() int {
	var n int
	err := s.postgres.Pool.QueryRow(context.Background(), `SELECT count(*) FROM telemetry_raw`).Scan(&n)
	s.Require().NoError(err)
	return n
}

func (s *PostgresSinkSuite) TestInsertsBatch() {
	ctx := context.Background()
	batch := testutil.Records(s.T(), "node-001", 5)

	s.Require().NoError(s.sink.Send(ctx, batch))
	s.Equal(5, s.count())

	var body []byte
	var lat *float64
	err := s.postgres.Pool.QueryRow(ctx,
		`SELECT body, lat FROM telemetry_raw WHERE device_id = $1 AND msg_id = $2`,
		batch[0].DeviceID, batch[0].MessageID,
	).Scan(&body, &lat)
	s.Require().NoError(err)
	s.Nil(lat)

	var doc map[string]any
	s.Require().NoError(json.Unmarshal(body, &doc))
	s.Equal(true, doc["_compact"])
}

func (s *PostgresSinkSuite) TestResentBatchIsIdempotent() {
	ctx := context.Background()
	batch := testutil.Records(s.T(), "node-001", 3)

	s.Require().NoError(s.sink.Send(ctx, batch))
	s.Require().NoError(s.sink.Send(ctx, batch))
	s.Equal(3, s.count())
}

func (s *PostgresSinkSuite) TestEnsureSchemaIsRepeatable() {
	s.NoError(s.sink.EnsureSchema(context.Background()))
}
