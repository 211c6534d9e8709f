package main

import (
	"bufio"
	"os"

	"go.uber.org/zap"

	"github.com/deng-rui/rudp/rudp"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	if len(os.Args) != 2 {
		logger.Fatal("usage: rudp_client <server-address>")
	}

	c, err := rudp.Dial(os.Args[1])
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer c.Close()
	logger.Info("connected", zap.Stringer("remote", c.RemoteAddr()))

	// Send each line from stdin and print the echo
	scanner := bufio.NewScanner(os.Stdin)
	reply := make([]byte, 4096)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		if _, err := c.Write(line); err != nil {
			logger.Fatal("write", zap.Error(err))
		}

		n, err := c.Read(reply)
		if err != nil {
			logger.Fatal("read", zap.Error(err))
		}
		os.Stdout.Write(reply[:n])
		os.Stdout.Write([]byte("\n"))
	}
}
