package muxclient_test

import (
	"context"
	"fmt"

	"github.com/okvist/muxclient"
	"github.com/okvist/muxclient/client"
	"github.com/okvist/muxclient/engine/enginetest"
)

func ExampleNewClient() {
	eng := enginetest.New()

	c, err := muxclient.NewClient(eng, client.WithResolve("api.example", "10.0.0.7"))
	if err != nil {
		fmt.Println("build error:", err)
		return
	}
	defer c.Close()

	resp, err := c.Request(context.Background(), "GET", "https://api.example/v1/items")
	if err != nil {
		fmt.Println("request error:", err)
		return
	}

	eng.Complete(1, nil)
	if err := resp.Wait(context.Background()); err != nil {
		fmt.Println("transfer error:", err)
		return
	}

	fmt.Println(resp.URL(), resp.Done())
	// Output: https://api.example/v1/items true
}
