// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

//go:build !unix

package main

import (
	"context"

	"code.hybscloud.com/edelay/relay"
	"github.com/joeycumines/logiface"
)

func notifyCancel(context.Context, *relay.Server, *logiface.Logger[logiface.Event]) (stop func()) {
	return func() {}
}
