/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package adaptivelimit_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/acronis/go-governor/adaptivelimit"
)

func Example() {
	cfg := adaptivelimit.DefaultConfig()
	cfg.BaseRate = 10

	limiter, err := adaptivelimit.New(cfg, adaptivelimit.Options{})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err = limiter.Admit(ctx); err != nil {
		log.Fatal(err)
	}

	// The backend answered slowly, so the limiter tightens the rate.
	limiter.RecordLatency(7 * time.Second)

	health := limiter.Health()
	fmt.Println(health.EffectiveRate, health.Status, health.AdmittedInWindow)

	// Output:
	// 7 throttled 1
}
