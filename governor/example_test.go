/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package governor_test

import (
	"context"
	"fmt"
	"log"

	"github.com/acronis/go-governor/governor"
)

func Example() {
	cfg := governor.NewDefaultConfig()
	cfg.Cache.MaxEntries = 100
	g, err := governor.NewFromConfig[string](cfg, governor.Options{})
	if err != nil {
		log.Fatal(err)
	}

	complete := func(prompt string) (string, governor.Outcome) {
		resp, outcome, err := g.DoWithInfo(context.Background(), []byte(prompt), func(ctx context.Context) (string, error) {
			return "echo: " + prompt, nil
		})
		if err != nil {
			log.Fatal(err)
		}
		return resp, outcome
	}

	resp, outcome := complete("hello")
	fmt.Println(resp, outcome.CacheHit)
	resp, outcome = complete("hello")
	fmt.Println(resp, outcome.CacheHit)

	total, _ := g.BackendCalls()
	fmt.Println(total)

	// Output:
	// echo: hello false
	// echo: hello true
	// 1
}
