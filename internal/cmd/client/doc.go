// Package client contains the Cobra CLI commands for image2model.
package client
