/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

// Package syncmap is a generic wrapper over standard library sync.Map

package syncmap

import "sync"

func zero[T any]() T {
	return *new(T)
}

type Map[Key comparable, Value any] sync.Map

func (m *Map[Key, Value]) syncMap() *sync.Map {
	return (*sync.Map)(m)
}

func (m *Map[Key, Value]) Store(key Key, value Value) {
	m.syncMap().Store(key, value)
}

// Deletes the value for the passed key.
// If the key has no corresponding value, the map is unchanged.
func (m *Map[Key, Value]) Delete(key Key) {
	m.syncMap().Delete(key)
}

// Loads and deletes the value for the passed key.
// If the key has no corresponding value, the map is unchanged and the returned boolean is false.
func (m *Map[Key, Value]) LoadAndDelete(key Key) (Value, bool) {
	anyValue, found := m.syncMap().LoadAndDelete(key)
	if !found {
		return zero[Value](), false
	}
	return zeroIfNil[Value](anyValue), true
}

func zeroIfNil[T any](v any) T {
	if v == nil {
		return zero[T]()
	}
	return v.(T)
}
