package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/xent/internal/api"
	"github.com/samcharles93/xent/internal/logger"
	"github.com/samcharles93/xent/internal/xent"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		keep        int64
	)

	flags := append([]cli.Flag{}, kernelFlags()...)
	flags = append(flags,
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.DurationFlag{
			Name:        "read-timeout",
			Usage:       "read timeout",
			Value:       30 * time.Second,
			Destination: &readTimeout,
		},
		&cli.Int64Flag{
			Name:        "keep",
			Usage:       "number of recent results kept for GET /v1/loss/:id",
			Value:       256,
			Destination: &keep,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the loss REST API",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, cfg, &addr)

			ce, err := xent.New(kernelOptions())
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			server := api.NewServer(api.NewLossStore(int(keep)), api.NewLossService(ce))
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
				return func(c *echo.Context) error {
					req := c.Request()
					c.SetRequest(req.WithContext(logger.WithContext(req.Context(), log)))
					return next(c)
				}
			})
			server.Register(e)
			log.Info("starting server", "address", addr, "capacity", ce.Options().Capacity, "workers", ce.Options().Workers)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					srv.ReadTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
