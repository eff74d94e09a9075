//go:build tools

package main

import (
	_ "github.com/vektra/mockery/v2"
)
