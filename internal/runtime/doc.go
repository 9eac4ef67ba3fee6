// Package runtime is the composition root: it wires the local store,
// persistence adapter, transport client, retry executor, stream factory,
// and upload queue into one instance for the CLI to drive.
package runtime
