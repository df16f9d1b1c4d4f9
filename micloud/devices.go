package micloud

import (
	"context"
	"encoding/json"
	"fmt"
)

type deviceList struct {
	List []Device `json:"list"`
}

// GetDevices lists devices. With ids only those devices are returned.
func (c *Client) GetDevices(ctx context.Context, ids ...string) ([]Device, error) {
	var req interface{}
	if len(ids) > 0 {
		req = map[string]interface{}{"dids": ids}
	} else {
		req = map[string]interface{}{
			"getVirtualModel": false,
			"getHuamiDevices": 0,
		}
	}

	var out deviceList
	if err := c.call(ctx, "/home/device_list", req, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// GetDevice returns a single device.
func (c *Client) GetDevice(ctx context.Context, id string) (*Device, error) {
	var out deviceList
	req := map[string]interface{}{"dids": []string{id}}
	if err := c.call(ctx, "/home/device_list", req, &out); err != nil {
		return nil, err
	}
	if len(out.List) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
	}
	return &out.List[0], nil
}

// MiioCall relays a miIO command to the device unchanged.
func (c *Client) MiioCall(ctx context.Context, deviceID, method string, params interface{}) (json.RawMessage, error) {
	req := map[string]interface{}{
		"method": method,
		"params": params,
	}
	var out json.RawMessage
	if err := c.call(ctx, "/home/rpc/"+deviceID, req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// The MIoT helpers use the cloud's /miotspec endpoints, which also work for
// older devices that only speak miIO locally.

// MiotGetProps reads MIoT properties.
func (c *Client) MiotGetProps(ctx context.Context, params []PropertyQuery) ([]PropertyResult, error) {
	var out []PropertyResult
	if err := c.call(ctx, "/miotspec/prop/get", map[string]interface{}{"params": params}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MiotSetProps writes MIoT properties.
func (c *Client) MiotSetProps(ctx context.Context, params []PropertyValue) ([]PropertyResult, error) {
	var out []PropertyResult
	if err := c.call(ctx, "/miotspec/prop/set", map[string]interface{}{"params": params}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MiotAction invokes a MIoT action.
func (c *Client) MiotAction(ctx context.Context, params ActionParams) (*ActionResult, error) {
	if params.In == nil {
		params.In = []interface{}{}
	}
	var out ActionResult
	if err := c.call(ctx, "/miotspec/action", map[string]interface{}{"params": params}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, path string, req, out interface{}) error {
	resp, err := c.Request(ctx, path, req)
	if err != nil {
		return err
	}
	if !resp.HasResult() {
		if resp.Message != "" {
			return fmt.Errorf("%w: %s", ErrNoResult, resp.Message)
		}
		return ErrNoResult
	}
	if err := resp.DecodeResult(out); err != nil {
		return fmt.Errorf("decode %s result: %w", path, err)
	}
	return nil
}
