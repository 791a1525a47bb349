package chaski

import (
	"encoding/json"
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func TestProxyCallRoundTripsThroughAllowedModule(t *testing.T) {
	cv.Convey("proxy_call reaches a registered ProxyFunc and returns its result", t, func() {
		server, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		addr, err := server.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer server.Close()

		server.EnableProxy(func(modulePath, attrPath string, args []json.RawMessage, kwargs map[string]json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"attr":"` + attrPath + `"}`), nil
		}, NewAllowedModulePaths("os.path"))

		client, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = client.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer client.Close()

		result, err := client.ProxyCall(addr, "os.path", "exists", nil, nil)
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(result), cv.ShouldEqual, `{"attr":"exists"}`)
	})
}

func TestProxyCallRejectsDisallowedModule(t *testing.T) {
	cv.Convey("proxy_call against a module_path outside AllowedModulePaths comes back as a ProxyError", t, func() {
		server, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		addr, err := server.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer server.Close()

		server.EnableProxy(func(modulePath, attrPath string, args []json.RawMessage, kwargs map[string]json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		}, NewAllowedModulePaths("os.path"))

		client, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = client.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer client.Close()

		_, err = client.ProxyCall(addr, "subprocess", "run", nil, nil)
		cv.So(err, cv.ShouldNotBeNil)
		proxyErr, ok := err.(*ProxyError)
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(proxyErr.Message, cv.ShouldContainSubstring, "not permitted")
	})
}

func TestProxyCallAgainstUnconfiguredNodeFails(t *testing.T) {
	cv.Convey("proxy_call against a node that never called EnableProxy comes back as an error", t, func() {
		server, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		addr, err := server.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer server.Close()

		client, err := NewNode(NewConfig())
		cv.So(err, cv.ShouldBeNil)
		_, err = client.Listen()
		cv.So(err, cv.ShouldBeNil)
		defer client.Close()

		_, err = client.ProxyCall(addr, "os.path", "exists", nil, nil)
		cv.So(err, cv.ShouldNotBeNil)
	})
}
