// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package connector wires an Eco game server chat to an external chat
// service (Discord or Mattermost).
//
// # Core Types
//
// [Connector] owns the channel link registry, the message relay, the link
// verifier, the snippet cache, the player store and the optional chat log.
// It implements [platform.Listener] and [platform.GameListener], turning
// every callback into an [Event] that is dispatched to the components
// subscribed to its [EventKind].
//
// [Config] is loaded from YAML and upgraded against the embedded example
// config with go.mau.fi/util/configupgrade.
//
// # Echo Prevention
//
// The bridge posts into game chat under its own name and into the external
// service under its bot account. Messages from either identity are dropped
// before relaying unless they start with the configured echo token, so
// relayed messages never bounce back.
//
// # Operator Operations
//
// [Connector.ListGuilds], [Connector.ListChannels],
// [Connector.SendMessageToChannel], [Connector.SendMessageToDefault],
// [Connector.SetDefaultChannel] and [Connector.PlaySnippet] return short
// human-readable results meant to be shown to the operator as-is.
package connector
