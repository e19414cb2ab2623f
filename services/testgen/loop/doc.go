// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loop runs the coverage-driven regeneration state machine.
//
// One session walks these states:
//
//  1. INIT - the provider credential is checked before any iteration
//  2. GENERATING - build the prompt, call the provider, parse the reply
//  3. EXECUTING - run the parsed module under pytest with coverage
//  4. EVALUATING - compare coverage against the target
//  5. REGENERATING - carry the feedback into the next iteration
//  6. DONE or ABORTED
//
// Unparseable replies are retried inside the same iteration up to
// MaxParseRetries times; they do not consume the iteration budget. When
// those retries run out, or the provider keeps failing transiently, the
// iteration is recorded without execution and evaluation continues.
//
// # Cancellation
//
// Provider and runner calls run on contexts detached from the session
// context, each under its own timeout. Cancellation is observed at the
// start of every generation, so an in-flight iteration finishes its
// current call and the session then aborts with its history intact.
//
// # Thread Safety
//
// A Controller runs one session at a time. Batch callers create one
// Controller per source file.
//
// # Example Usage
//
//	ctrl, err := loop.NewController(loop.ConfigFromApp(cfg), loop.Dependencies{
//	    Client: client,
//	    Parser: artifact.NewParser(),
//	    Runner: r,
//	}, logger)
//	result, err := ctrl.Run(ctx, sheet)
//	fmt.Println(result.Status, result.BestCoverage())
package loop
