// Command weather demonstrates a full streaming session against the weather
// capability server: connect over SSE, initialize, list the catalog, then
// request a forecast.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/mstolt/vane"
	"github.com/mstolt/vane/servers/weather"
)

const addr = ":8971"

func main() {
	srv := vane.NewServer(vane.Info{Name: "weathervane", Version: "1.0.0"}, weather.NewServer())

	httpSrv := &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 15 * time.Second,
	}
	http.Handle("/sse", srv.HandleStream("/message"))
	http.Handle("/message", srv.HandleMessage())

	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()
	time.Sleep(500 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := runClient(ctx); err != nil {
		log.Printf("client error: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("drain: %v", err)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
}

func runClient(ctx context.Context) error {
	cli := vane.NewStreamClient(fmt.Sprintf("http://localhost%s/sse", addr), &http.Client{})
	if err := cli.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	fmt.Println("session:", cli.SessionID())

	replies := make(chan vane.Envelope, 8)
	go func() {
		defer close(replies)
		for env := range cli.Messages() {
			replies <- env
		}
	}()

	initParams, _ := json.Marshal(map[string]any{
		"protocolVersion": vane.ProtocolVersion,
		"clientInfo":      map[string]string{"name": "weather-example", "version": "0.1.0"},
	})
	initResult, err := call(ctx, cli, replies, "1", vane.MethodInitialize, initParams)
	if err != nil {
		return err
	}
	fmt.Println("initialize:", string(initResult))

	if err := cli.Send(ctx, vane.Envelope{
		JSONRPC: vane.JSONRPCVersion,
		Method:  vane.MethodNotificationsInitialized,
	}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	listResult, err := call(ctx, cli, replies, "2", vane.MethodCapabilityList, nil)
	if err != nil {
		return err
	}
	var catalog struct {
		Capabilities []vane.Capability `json:"capabilities"`
	}
	if err := json.Unmarshal(listResult, &catalog); err != nil {
		return fmt.Errorf("decode catalog: %w", err)
	}
	for _, c := range catalog.Capabilities {
		fmt.Printf("capability: %s — %s\n", c.Name, c.Description)
	}

	// Sacramento, CA.
	invokeParams, _ := json.Marshal(map[string]any{
		"name": "get-forecast",
		"arguments": map[string]any{
			"latitude":  38.58,
			"longitude": -121.49,
		},
	})
	forecast, err := call(ctx, cli, replies, "3", vane.MethodCapabilityInvoke, invokeParams)
	if err != nil {
		return err
	}
	var result vane.InvokeResult
	if err := json.Unmarshal(forecast, &result); err != nil {
		return fmt.Errorf("decode forecast: %w", err)
	}
	for _, content := range result.Content {
		fmt.Println(content.Text)
	}
	return nil
}

func call(ctx context.Context, cli *vane.StreamClient, replies <-chan vane.Envelope, id, method string, params json.RawMessage) (json.RawMessage, error) {
	reqID := vane.ReqID(id)
	if err := cli.Send(ctx, vane.Envelope{
		JSONRPC: vane.JSONRPCVersion,
		ID:      reqID,
		Method:  method,
		Params:  params,
	}); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case env, ok := <-replies:
			if !ok {
				return nil, fmt.Errorf("%s: stream closed", method)
			}
			if env.ID != reqID {
				continue
			}
			if env.Error != nil {
				return nil, fmt.Errorf("%s: %w", method, env.Error)
			}
			return env.Result, nil
		}
	}
}
