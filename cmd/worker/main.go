/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/webordinary/edit-worker/pkg/operator"
	"github.com/webordinary/edit-worker/pkg/operator/logging"
	"github.com/webordinary/edit-worker/pkg/operator/options"
)

func main() {
	opts := options.New().MustParse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx, op, err := operator.NewOperator(ctx, opts)
	if err != nil {
		logging.FromContext(ctx).Error(err, "assembling operator")
		os.Exit(1)
	}
	log := logging.FromContext(ctx)

	// A second signal skips the graceful drain.
	go func() {
		<-ctx.Done()
		stop()
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("forced shutdown")
		os.Exit(2)
	}()

	if err := op.Start(ctx); err != nil {
		log.Error(err, "worker exited")
		os.Exit(1)
	}
	log.Info("worker stopped")
}
