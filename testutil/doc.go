// Package testutil provides mocks and fixtures shared by package tests.
//
// MockFetcher replays a scripted sequence of fetch results, MockPublisher
// records every publish call and can be told to fail, and MockStore is an
// in-memory storage.Store that reads staged files through an afero.Fs.
// Rule fixtures cover each calculation and operator form the compiler maps.
package testutil
