package server

import (
	"fmt"
	"net/http"
)

// handleClientJS serves the page integration script
func (s *Server) handleClientJS(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	serverURL := fmt.Sprintf("%s://%s", scheme, r.Host)

	w.Header().Set("Content-Type", "application/javascript")
	w.Header().Set("Cache-Control", "public, max-age=60")
	_, _ = w.Write([]byte(GenerateClientScript(serverURL)))
}

// GenerateClientScript returns the abt.js script bound to serverURL.
//
// Markup:
//
//	<section data-abt-test="TEST_ID">
//	  <div data-abt-variant="control">...</div>
//	  <div data-abt-variant="v1" hidden>...</div>
//	</section>
//	<button data-abt-convert="TEST_ID" data-abt-value="49">Buy</button>
//
// Conversions can also be sent with window.abt.convert(testId, value).
func GenerateClientScript(serverURL string) string {
	return fmt.Sprintf(`(function(){
  var S='%s';

  // Session id shared by every test on the site
  var sid=localStorage.getItem('abt_sid');
  if(!sid){
    sid=crypto.randomUUID();
    localStorage.setItem('abt_sid',sid);
  }

  function post(path,body){
    return fetch(S+path,{
      method:'POST',
      headers:{'Content-Type':'application/json'},
      body:JSON.stringify(body),
      keepalive:true
    }).then(function(r){return r.ok?r.json():null;}).catch(function(){return null;});
  }

  function show(el,variantId){
    el.querySelectorAll('[data-abt-variant]').forEach(function(v){
      v.hidden=v.dataset.abtVariant!==variantId;
    });
  }

  document.querySelectorAll('[data-abt-test]').forEach(function(el){
    var id=el.dataset.abtTest;
    var cached=sessionStorage.getItem('abt_'+id);
    if(cached){show(el,cached);}
    post('/api/tests/'+encodeURIComponent(id)+'/assign',{sessionId:sid}).then(function(res){
      if(!res)return;
      sessionStorage.setItem('abt_'+id,res.variantId);
      show(el,res.variantId);
    });
  });

  function convert(id,value,metadata){
    var body={sessionId:sid};
    if(value!==undefined&&value!==null&&!isNaN(value))body.value=Number(value);
    if(metadata)body.metadata=metadata;
    return post('/api/tests/'+encodeURIComponent(id)+'/convert',body);
  }

  document.querySelectorAll('[data-abt-convert]').forEach(function(el){
    var id=el.dataset.abtConvert;
    var value=el.dataset.abtValue;

    // URL type: convert on load
    if(el.dataset.abtConvertType==='url'){
      convert(id,value);
      return;
    }
    el.addEventListener('click',function(){convert(id,value);});
  });

  window.abt={sessionId:sid,convert:convert};
})();`, serverURL)
}
