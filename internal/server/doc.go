// Package server implements one relay worker.
//
// A worker accepts identified websocket connections, keeps the presence list
// and room membership for the connections it holds, and exchanges envelopes
// with the other workers through a cluster.Fabric so that presence, peer-left
// and room events reach connections wherever they live.
package server
