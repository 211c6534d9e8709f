package main

import (
	"io"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/deng-rui/rudp/rudp"
)

func echo(c *rudp.Conn, logger *zap.Logger) {
	defer c.Close()

	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err != io.EOF {
				logger.Warn("read failed", zap.Error(err))
			}
			return
		}
		logger.Info("echoing", zap.Int("bytes", n))

		if _, err := c.Write(buf[:n]); err != nil {
			logger.Warn("write failed", zap.Error(err))
			return
		}
	}
}

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	address := ":9999"
	if len(os.Args) > 1 {
		address = os.Args[1]
	}

	metrics := rudp.NewMetrics()
	registry := prometheus.NewRegistry()
	if err := metrics.Register(registry); err != nil {
		logger.Fatal("register metrics", zap.Error(err))
	}
	go func() {
		http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		http.ListenAndServe(":9100", nil)
	}()

	l, err := rudp.ListenOptions(address, 0, rudp.DefaultProfile(), logger, metrics)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	defer l.Close()
	logger.Info("listening", zap.Stringer("addr", l.Addr()))

	for {
		c, err := l.AcceptRUDP()
		if err != nil {
			logger.Fatal("accept", zap.Error(err))
		}
		logger.Info("accepted", zap.Stringer("remote", c.RemoteAddr()))

		go echo(c, logger)
	}
}
