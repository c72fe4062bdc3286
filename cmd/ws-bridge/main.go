// ws-bridge exposes the stdio yamu-bridge over a websocket so browser-hosted
// tooling can drive the editor without spawning the process itself. Each
// websocket connection gets its own bridge subprocess; text frames are
// forwarded line for line in both directions.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"os/exec"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	// Loopback-only service; origin checks gain nothing here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func main() {
	addrFlag := flag.String("addr", "127.0.0.1:8080", "Listen address")
	cmdFlag := flag.String("bridge", "yamu-bridge", "Bridge command to spawn per connection")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	http.HandleFunc("/ws", handleWS(*cmdFlag, flag.Args(), logger))
	logger.Info("websocket bridge listening", zap.String("addr", *addrFlag))
	if err := http.ListenAndServe(*addrFlag, nil); err != nil {
		logger.Fatal("listen failed", zap.Error(err))
	}
}

type frame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

func handleWS(command string, args []string, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		cmd := exec.Command(command, args...)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			logger.Error("stdin pipe failed", zap.Error(err))
			return
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			logger.Error("stdout pipe failed", zap.Error(err))
			return
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			logger.Error("stderr pipe failed", zap.Error(err))
			return
		}
		if err := cmd.Start(); err != nil {
			logger.Error("bridge start failed", zap.Error(err))
			return
		}
		defer func() {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}()

		// Serializes writes from the stdout and stderr pumps; the websocket
		// connection allows only one concurrent writer.
		var writeMu sync.Mutex
		writeFrame := func(kind, line string) error {
			payload, err := json.Marshal(frame{Type: kind, Data: line})
			if err != nil {
				return err
			}
			writeMu.Lock()
			defer writeMu.Unlock()
			return conn.WriteMessage(websocket.TextMessage, payload)
		}

		go pump(stdout, "stdout", writeFrame, logger)
		go pump(stderr, "stderr", writeFrame, logger)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Debug("websocket closed", zap.Error(err))
				return
			}
			if _, err := stdin.Write(append(msg, '\n')); err != nil {
				logger.Error("stdin write failed", zap.Error(err))
				return
			}
		}
	}
}

func pump(r io.Reader, kind string, write func(string, string) error, logger *zap.Logger) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := write(kind, scanner.Text()); err != nil {
			logger.Debug("websocket write failed", zap.Error(err))
			return
		}
	}
}
