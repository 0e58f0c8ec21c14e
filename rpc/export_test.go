// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package rpc

var MapGrpcError = mapGrpcError
