/**
 * Copyright (c) 2011-2021 Cloudware S.A. All rights reserved.
 *
 * This file is part of casper-http-gateway.
 *
 * casper-http-gateway is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 */

// Package model holds the data shared across the gateway core: Tracking,
// Tokens, Parameters, Response and the provider registry's records.
package model

// Tracking identifies one job. It is created by the job loop and is
// read-only from the point the Dispatcher receives it onward.
//
// RCID is the Dispatcher's deduplication key (the "request correlation
// id"): a second Push with the same RCID fails with DuplicateRequest.
type Tracking struct {
	BJID int64  `json:"bjid"`
	RJNR string `json:"rjnr"`
	RJID string `json:"rjid"`
	RCID string `json:"rcid"`
	DPI  string `json:"dpi"`
	UA   string `json:"ua"`
}
