package surreal

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	surrealdb "github.com/surrealdb/surrealdb.go"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/casekit/docket/internal/common"
)

var (
	surrealOnce      sync.Once
	surrealContainer *surrealDBContainer
	surrealError     error
)

// surrealDBContainer wraps a testcontainers SurrealDB instance shared by the
// whole package. sync.Once keeps it to one container per test process.
type surrealDBContainer struct {
	container testcontainers.Container
	host      string
	port      string
}

func startSurrealDB(t *testing.T) *surrealDBContainer {
	t.Helper()

	surrealOnce.Do(func() {
		ctx := context.Background()

		req := testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--user", "root", "--pass", "root"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("8000/tcp"),
				wait.ForLog("Started web server"),
			).WithDeadline(60 * time.Second),
		}

		container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			surrealError = fmt.Errorf("start SurrealDB container: %w", err)
			return
		}

		host, err := container.Host(ctx)
		if err != nil {
			container.Terminate(ctx)
			surrealError = fmt.Errorf("get SurrealDB host: %w", err)
			return
		}

		mappedPort, err := container.MappedPort(ctx, "8000/tcp")
		if err != nil {
			container.Terminate(ctx)
			surrealError = fmt.Errorf("get SurrealDB port: %w", err)
			return
		}

		surrealContainer = &surrealDBContainer{
			container: container,
			host:      host,
			port:      mappedPort.Port(),
		}
	})

	if surrealError != nil {
		t.Fatalf("SurrealDB container failed: %v", surrealError)
	}

	return surrealContainer
}

// address returns the WebSocket RPC address for the running container.
func (c *surrealDBContainer) address() string {
	return fmt.Sprintf("ws://%s:%s/rpc", c.host, c.port)
}

// testDB starts the shared SurrealDB container and returns a connected DB
// using a unique database name per test to ensure isolation.
func testDB(t *testing.T) *surrealdb.DB {
	t.Helper()

	sc := startSurrealDB(t)
	ctx := context.Background()

	// Sanitize t.Name() because subtests produce names like "Test/subtest"
	// and SurrealDB rejects "/" in database names.
	sanitized := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dbName := fmt.Sprintf("t_%s_%d", sanitized, time.Now().UnixNano()%100000)

	db, err := Connect(ctx, common.SurrealConfig{
		Address:   sc.address(),
		Username:  "root",
		Password:  "root",
		Namespace: "docket_test",
		Database:  dbName,
	})
	if err != nil {
		t.Fatalf("connect to SurrealDB: %v", err)
	}

	t.Cleanup(func() {
		db.Close(context.Background())
	})

	return db
}

// testLogger returns a silent logger for tests.
func testLogger() *common.Logger {
	return common.NewSilentLogger()
}
