package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"singularitytrainer.ai/internal/codec"
	"singularitytrainer.ai/internal/protocol"
	"singularitytrainer.ai/internal/trainertest"
)

func main() {
	var (
		addr      = flag.String("addr", "127.0.0.1:10201", "listen address")
		codecName = flag.String("codec", "json", "wire codec json|msgpack")
		outputs   = flag.Int("outputs", 5, "action vector width")
		legacy    = flag.Bool("legacy_value_key", false, `answer get_actions with "value" instead of "values"`)
		delay     = flag.Duration("delay", 0, "artificial delay before every get_actions answer")
		failEvery = flag.Int("fail_every", 0, "answer every Nth get_actions with an internal error (0 disables)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[mocktrainer] ", log.LstdFlags|log.Lmicroseconds)

	cdc, err := codec.New(*codecName)
	if err != nil {
		logger.Fatalf("codec: %v", err)
	}
	opts := trainertest.Options{
		Codec:          cdc,
		Outputs:        *outputs,
		LegacyValueKey: *legacy,
		KeepCalls:      1024,
		Logger:         logger,
	}
	if *delay > 0 {
		d := *delay
		opts.Delay = func(method string, _ int) time.Duration {
			if method == protocol.MethodGetActions || method == protocol.MethodGetAction {
				return d
			}
			return 0
		}
	}
	if *failEvery > 0 {
		every := *failEvery
		opts.Fail = func(method string, n int) *protocol.Error {
			if method == protocol.MethodGetActions && n%every == 0 {
				return &protocol.Error{Code: protocol.ErrInternal, Message: "scripted failure"}
			}
			return nil
		}
	}
	srv := trainertest.NewHandler(opts)

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	hs := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = hs.Shutdown(ctx2)
		srv.Close()
	}()

	logger.Printf("listening on ws://%s codec=%s outputs=%d", *addr, cdc.Name(), *outputs)
	if err := hs.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}
