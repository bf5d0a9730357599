package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-licensing/pkg/config"
	"smallbiznis-licensing/pkg/logger"
	"smallbiznis-licensing/pkg/redis"
	"smallbiznis-licensing/pkg/task"
	"smallbiznis-licensing/services/billing"
)

// replay enqueues already verified billing events, one JSON object per line,
// onto the billing queue. Events are keyed by id so rerunning a file is safe.
func main() {
	file := flag.String("file", "-", "newline delimited billing events, - for stdin")
	flag.Parse()

	opts := []fx.Option{
		config.Module,
		logger.Module,
		redis.Module,
		task.Client,
		billing.PublisherModule,
		fx.Supply(source(*file)),
		fx.Invoke(run),
		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	app := fx.New(opts...)
	if err := app.Start(context.Background()); err != nil {
		log.Fatalf("replay failed: %v", err)
	}
	_ = app.Stop(context.Background())
}

type source string

func (s source) open() (io.ReadCloser, error) {
	if s == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	return os.Open(string(s))
}

func run(src source, pub *billing.EventPublisher) error {
	r, err := src.open()
	if err != nil {
		return err
	}
	defer r.Close()

	n, err := publishAll(context.Background(), r, pub)
	zap.L().Info("replayed billing events", zap.Int("count", n))
	return err
}

type publisher interface {
	Publish(ctx context.Context, evt billing.Event) error
}

func publishAll(ctx context.Context, r io.Reader, pub publisher) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	n, line := 0, 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var evt billing.Event
		if err := json.Unmarshal(raw, &evt); err != nil {
			return n, fmt.Errorf("line %d: %w", line, err)
		}
		if err := pub.Publish(ctx, evt); err != nil {
			return n, fmt.Errorf("line %d: event %s: %w", line, evt.ID, err)
		}
		n++
	}
	return n, scanner.Err()
}
