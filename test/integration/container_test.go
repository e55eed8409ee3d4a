package integration

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
)

const postgresImage = "postgres:16-alpine"

// pgContainer is a throwaway Postgres started through the docker CLI.
type pgContainer struct {
	id      string
	connStr string
}

// startPostgresContainer publishes the container's 5432 on a port docker picks
// and waits until the server answers queries.
func startPostgresContainer(ctx context.Context) (string, func(), error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return "", nil, fmt.Errorf("docker CLI not found: %w", err)
	}

	out, err := docker(ctx, "run", "--detach", "--rm",
		"--publish", "127.0.0.1::5432",
		"--env", "POSTGRES_USER=lbp",
		"--env", "POSTGRES_PASSWORD=lbp",
		"--env", "POSTGRES_DB=lbp_integration",
		postgresImage,
	)
	if err != nil {
		return "", nil, err
	}
	c := &pgContainer{id: out}
	stop := func() { _, _ = docker(context.Background(), "stop", c.id) }

	// "docker port" answers e.g. "127.0.0.1:49153".
	mapped, err := docker(ctx, "port", c.id, "5432/tcp")
	if err != nil {
		stop()
		return "", nil, err
	}
	hostPort := strings.TrimSpace(strings.Split(mapped, "\n")[0])
	c.connStr = fmt.Sprintf("postgres://lbp:lbp@%s/lbp_integration?sslmode=disable", hostPort)

	if err := c.awaitReady(ctx, 30*time.Second); err != nil {
		stop()
		return "", nil, err
	}
	return c.connStr, stop, nil
}

func docker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *pgContainer) awaitReady(ctx context.Context, within time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, within)
	defer cancel()

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	var lastErr error
	for {
		conn, err := pgx.Connect(ctx, c.connStr)
		if err == nil {
			err = conn.Ping(ctx)
			conn.Close(context.Background())
			if err == nil {
				return nil
			}
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return errors.Join(fmt.Errorf("postgres in %s not ready after %s", c.id, within), lastErr)
		case <-ticker.C:
		}
	}
}
