// Package middleware provides plugins that attach request hooks to a
// server scope.
package middleware

import (
	"github.com/searchktools/hookserver/core"
)

// Chain combines plugins into one. They run in order on the same scope and
// the first error stops the chain.
func Chain(plugins ...core.Plugin) core.Plugin {
	return func(scope *core.Engine) error {
		for _, p := range plugins {
			if p == nil {
				continue
			}
			if err := p(scope); err != nil {
				return err
			}
		}
		return nil
	}
}
