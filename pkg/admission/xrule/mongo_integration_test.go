//go:build integration

package xrule

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

func setupMongo(t *testing.T) *mongo.Client {
	t.Helper()
	uri := os.Getenv("XADMIT_MONGO_URI")
	if uri == "" {
		if _, err := exec.LookPath("docker"); err != nil {
			t.Skip("docker not found in PATH, skipping integration test")
		}
		ctx := context.Background()
		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7.0",
				ExposedPorts: []string{"27017/tcp"},
				WaitingFor:   wait.ForListeningPort("27017/tcp"),
			},
			Started: true,
		})
		if err != nil {
			t.Skipf("mongo container not available: %v", err)
		}
		t.Cleanup(func() { _ = container.Terminate(ctx) }) //nolint:errcheck // test cleanup
		endpoint, err := container.PortEndpoint(ctx, "27017/tcp", "mongodb")
		require.NoError(t, err)
		uri = endpoint
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) }) //nolint:errcheck // test cleanup
	return client
}

func TestMongoRepository_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client := setupMongo(t)
	coll := client.Database("xadmit_test").Collection("rules_" + time.Now().Format("150405.000"))
	t.Cleanup(func() { _ = coll.Drop(context.Background()) }) //nolint:errcheck // test cleanup

	repo, err := NewMongoRepository(coll, 0)
	require.NoError(t, err)

	s, err := NewStore(ctx, repo)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, Rule{ID: "u", Scope: ScopeUser, ScopeValue: "alice", LimitType: PerMinute, LimitValue: 7, ResourceType: ResourceCommand}))
	res, err := s.Resolve(ctx, ScopeUser, "alice", ResourceCommand)
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Window.LimitValue)
	assert.Equal(t, ResourceCommand, res.Window.ResourceType)

	require.NoError(t, s.Delete(ctx, "u"))
	assert.ErrorIs(t, repo.Delete(ctx, "u"), ErrNotFound)
}
